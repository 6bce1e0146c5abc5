package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emptyOVO/vecprep/vector"
	"github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"
)

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Column widths of the export table, in characters.
const (
	maxLabelLen   = 255
	maxDocNameLen = 512
)

// ErrTooLong is returned for a label or document name wider than its column.
var ErrTooLong = errors.New("value exceeds column width")

// DBConfig defines MySQL connection parameters.
type DBConfig struct {
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	User     string            `json:"user"`
	Password string            `json:"password"`
	Database string            `json:"database"`
	Params   map[string]string `json:"params"`
}

func (c DBConfig) DSN() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 3306
	}
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", host, port)
	mc.DBName = c.Database
	mc.Params = map[string]string{"charset": "utf8mb4"}
	for k, v := range c.Params {
		mc.Params[k] = v
	}
	return mc.FormatDSN()
}

// OpenDB opens and pings a MySQL connection.
func OpenDB(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("db user is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("db database is required")
	}
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// MySQLConfig configures the MySQL export.
type MySQLConfig struct {
	DB        DBConfig `json:"db"`
	Table     string   `json:"table"`
	BatchSize int      `json:"batchsize"`
	Replace   bool     `json:"replace"`
}

func (c *MySQLConfig) WithDefaults() {
	if c.Table == "" {
		c.Table = "label_vectors"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

func quoteIdentifier(s string) (string, error) {
	if !identifierRe.MatchString(s) {
		return "", fmt.Errorf("invalid identifier: %s", s)
	}
	return "`" + s + "`", nil
}

// MySQLFactory exports records into one table: a row per record with its
// label, document name, entry count and encoded vector.
type MySQLFactory struct {
	db    *sql.DB
	cfg   MySQLConfig
	table string
	owned bool
}

// NewMySQLFactory uses db for the export; Close leaves db open.
func NewMySQLFactory(db *sql.DB, cfg MySQLConfig) (*MySQLFactory, error) {
	cfg.WithDefaults()
	table, err := quoteIdentifier(cfg.Table)
	if err != nil {
		return nil, err
	}
	return &MySQLFactory{db: db, cfg: cfg, table: table}, nil
}

// OpenMySQLFactory connects to cfg.DB; Close closes the connection.
func OpenMySQLFactory(ctx context.Context, cfg MySQLConfig) (*MySQLFactory, error) {
	db, err := OpenDB(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	f, err := NewMySQLFactory(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	f.owned = true
	return f, nil
}

func (f *MySQLFactory) Prepare(ctx context.Context) error {
	if _, err := f.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT NOT NULL AUTO_INCREMENT,
  label VARCHAR(%d) NOT NULL,
  doc_name VARCHAR(%d) NOT NULL,
  nnz INT NOT NULL,
  vector LONGBLOB NOT NULL,
  PRIMARY KEY (id),
  KEY idx_label (label)
)`, f.table, maxLabelLen, maxDocNameLen)); err != nil {
		return fmt.Errorf("create table %s: %w", f.cfg.Table, err)
	}
	if f.cfg.Replace {
		if _, err := f.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, f.table)); err != nil {
			return fmt.Errorf("truncate table %s: %w", f.cfg.Table, err)
		}
	}
	log.WithFields(log.Fields{"table": f.cfg.Table, "replace": f.cfg.Replace}).Debug("[Job] mysql export ready")
	return nil
}

func (f *MySQLFactory) Open(ctx context.Context, part int) (Sink, error) {
	return &mysqlSink{
		ctx:   ctx,
		db:    f.db,
		table: f.table,
		size:  f.cfg.BatchSize,
		batch: make([]interface{}, 0, f.cfg.BatchSize*4),
	}, nil
}

func (f *MySQLFactory) Close() error {
	if f.owned {
		return f.db.Close()
	}
	return nil
}

type mysqlSink struct {
	ctx   context.Context
	db    *sql.DB
	table string
	size  int
	rows  int
	batch []interface{}
}

func (s *mysqlSink) Emit(label string, value []byte) error {
	if n := utf8.RuneCountInString(label); n > maxLabelLen {
		return fmt.Errorf("label %.32q...: %w (%d > %d)", label, ErrTooLong, n, maxLabelLen)
	}
	v, err := vector.Unmarshal(value)
	if err != nil {
		return fmt.Errorf("label %s: %w", label, err)
	}
	if n := utf8.RuneCountInString(v.Name); n > maxDocNameLen {
		return fmt.Errorf("label %s: doc name %w (%d > %d)", label, ErrTooLong, n, maxDocNameLen)
	}
	s.batch = append(s.batch, label, v.Name, int64(v.NNZ()), value)
	s.rows++
	if s.rows >= s.size {
		return s.flush()
	}
	return nil
}

func (s *mysqlSink) flush() error {
	if s.rows == 0 {
		return nil
	}
	valueSQL := make([]string, s.rows)
	for i := range valueSQL {
		valueSQL[i] = "(?, ?, ?, ?)"
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (label, doc_name, nnz, vector) VALUES %s", s.table, strings.Join(valueSQL, ","))
	if _, err := s.db.ExecContext(s.ctx, sqlStr, s.batch...); err != nil {
		return err
	}
	s.batch = s.batch[:0]
	s.rows = 0
	return nil
}

func (s *mysqlSink) Close() error {
	return s.flush()
}
