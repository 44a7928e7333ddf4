// Package export flattens every stored raw day summary into one CSV table.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const csvContentType = "text/csv"

// Columns is the header of the exported table.
var Columns = []string{
	"date",
	"postal_code",
	"cloud_cover_afternoon",
	"humidity_afternoon",
	"precipitation_total",
	"pressure_afternoon",
	"temperature_afternoon",
	"temperature_min",
	"temperature_max",
	"wind_max_speed",
	"wind_max_direction",
}

// fieldPaths maps each numeric column to its location in the response body.
var fieldPaths = [][]string{
	{"cloud_cover", "afternoon"},
	{"humidity", "afternoon"},
	{"precipitation", "total"},
	{"pressure", "afternoon"},
	{"temperature", "afternoon"},
	{"temperature", "min"},
	{"temperature", "max"},
	{"wind", "max", "speed"},
	{"wind", "max", "direction"},
}

type ObjectStore interface {
	List(ctx context.Context, prefix, ext string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Bucket() string
}

type Config struct {
	RawPrefix       string
	ProcessedPrefix string
	ProcessedFile   string
}

type Report struct {
	Objects  int
	Rows     int
	Skipped  int
	Key      string
	Archived string
}

type Exporter struct {
	store  ObjectStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store ObjectStore, cfg Config, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Run reads every raw object, writes the table and archives any export it replaces.
// An unreadable or malformed object is skipped and counted.
func (e *Exporter) Run(ctx context.Context) (Report, error) {
	var rep Report

	keys, err := e.store.List(ctx, strings.TrimSuffix(e.cfg.RawPrefix, "/")+"/", ".json")
	if err != nil {
		return rep, err
	}
	rep.Objects = len(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		body, err := e.store.Get(ctx, key)
		if err != nil {
			return rep, err
		}
		row, err := Flatten(key, body)
		if err != nil {
			rep.Skipped++
			e.logger.Warn("skipping raw object", zap.String("key", key), zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return rep, fmt.Errorf("no rows flattened from %d objects under %s", len(keys), e.cfg.RawPrefix)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i][0] != rows[j][0] {
			return rows[i][0] < rows[j][0]
		}
		return rows[i][1] < rows[j][1]
	})
	rep.Rows = len(rows)

	body, err := encodeCSV(rows)
	if err != nil {
		return rep, err
	}

	target := path.Join(strings.TrimSuffix(e.cfg.ProcessedPrefix, "/"), e.cfg.ProcessedFile)
	exists, err := e.store.Exists(ctx, target)
	if err != nil {
		return rep, err
	}
	if exists {
		archived := archiveKey(e.cfg.ProcessedPrefix, e.cfg.ProcessedFile, e.now())
		if err := e.store.Copy(ctx, e.store.Bucket(), target, e.store.Bucket(), archived); err != nil {
			return rep, err
		}
		rep.Archived = archived
	}

	meta := map[string]string{
		"export-time": e.now().UTC().Format(time.RFC3339),
		"row-count":   fmt.Sprint(len(rows)),
	}
	if _, err := e.store.Put(ctx, target, body, csvContentType, meta); err != nil {
		return rep, err
	}
	rep.Key = target

	e.logger.Info("export written",
		zap.String("key", target),
		zap.Int("rows", rep.Rows),
		zap.Int("skipped", rep.Skipped),
		zap.String("archived", rep.Archived),
	)
	return rep, nil
}

// Flatten turns one raw day summary into a table row. The postal code comes from the
// zipcode= segment of key. Absent fields become empty cells.
func Flatten(key string, body []byte) ([]string, error) {
	postal := postalFromKey(key)
	if postal == "" {
		return nil, fmt.Errorf("key %q has no zipcode segment", key)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	date, _ := doc["date"].(string)
	if date == "" {
		return nil, fmt.Errorf("missing date")
	}

	row := make([]string, 0, len(Columns))
	row = append(row, date, postal)
	for _, p := range fieldPaths {
		row = append(row, numberAt(doc, p))
	}
	return row, nil
}

func numberAt(doc map[string]any, keys []string) string {
	var cur any = doc
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[k]
	}
	n, ok := cur.(json.Number)
	if !ok {
		return ""
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return ""
	}
	return d.String()
}

func postalFromKey(key string) string {
	for _, seg := range strings.Split(key, "/") {
		if v, ok := strings.CutPrefix(seg, "zipcode="); ok {
			return v
		}
	}
	return ""
}

func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func archiveKey(prefix, file string, now time.Time) string {
	return path.Join(strings.TrimSuffix(prefix, "/"), "archive", now.UTC().Format("20060102T150405Z")+"-"+file)
}
