package vecprep

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emptyOVO/vecprep/shuffle"
	log "github.com/sirupsen/logrus"
)

// shmDir is used for intermediate runs when InRAM is set.
var shmDir = "/dev/shm"

// prepareOutput deletes output when overwrite is set and refuses to run
// over an existing output otherwise.
func prepareOutput(output string, overwrite bool) error {
	_, err := os.Stat(output)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !overwrite {
		return fmt.Errorf("output %s already exists", output)
	}
	log.WithField("output", output).Info("[Job] Delete existing output")
	return os.RemoveAll(output)
}

// intermediateDir creates the directory holding intermediate runs: under
// /dev/shm for in-RAM jobs when it is available, otherwise beside output.
func intermediateDir(output string, inRAM bool) (string, error) {
	if inRAM {
		if info, err := os.Stat(shmDir); err == nil && info.IsDir() {
			return os.MkdirTemp(shmDir, "vecprep-imd-")
		}
		log.Warnf("[Job] %s not available, keeping intermediate runs on disk", shmDir)
	}
	abs, err := filepath.Abs(output)
	if err != nil {
		return "", err
	}
	parent := filepath.Dir(abs)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(parent, ".vecprep-imd-")
}

// startShuffleServer starts srv on addr. When the port is taken, the next
// ports are tried.
func startShuffleServer(srv *shuffle.Server, addr string) (net.Addr, error) {
	const maxAttempts = 128
	host, port := splitAddr(addr)
	for i := 0; i < maxAttempts; i++ {
		try := net.JoinHostPort(host, strconv.Itoa(port+i))
		bound, err := srv.Start(try)
		if err != nil {
			if port != 0 && strings.Contains(err.Error(), "address already in use") {
				log.Debugf("[Shuffle] listen %s occupied, trying next port", try)
				continue
			}
			return nil, err
		}
		return bound, nil
	}
	return nil, fmt.Errorf("unable to find available shuffle port from %d after %d attempts", port, maxAttempts)
}

func splitAddr(addr string) (string, int) {
	raw := strings.TrimSpace(addr)
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, 0
	}
	if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
		return host, p
	}
	return host, 0
}
