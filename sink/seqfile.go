package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emptyOVO/vecprep/seqfile"
)

// SuccessMarker is written into the output directory once every part is
// complete.
const SuccessMarker = "_SUCCESS"

// PartName returns the file name of reduce partition part.
func PartName(part int) string {
	return fmt.Sprintf("part-r-%05d", part)
}

// SeqFileFactory writes one sequence file per partition into Dir.
type SeqFileFactory struct {
	Dir         string
	Compression seqfile.Compression
}

func (f *SeqFileFactory) Prepare(ctx context.Context) error {
	return os.MkdirAll(f.Dir, 0o755)
}

func (f *SeqFileFactory) Open(ctx context.Context, part int) (Sink, error) {
	w, err := seqfile.Create(filepath.Join(f.Dir, PartName(part)), f.Compression)
	if err != nil {
		return nil, err
	}
	return &seqFileSink{w: w}, nil
}

func (f *SeqFileFactory) Close() error {
	return nil
}

// MarkSuccess writes the success marker into Dir.
func (f *SeqFileFactory) MarkSuccess() error {
	return os.WriteFile(filepath.Join(f.Dir, SuccessMarker), nil, 0o644)
}

type seqFileSink struct {
	w *seqfile.Writer
}

func (s *seqFileSink) Emit(label string, value []byte) error {
	return s.w.Append(label, value)
}

func (s *seqFileSink) Close() error {
	return s.w.Close()
}
