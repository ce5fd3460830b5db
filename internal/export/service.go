// Package export writes and restores .kot backups of the local POS data.
//
// A backup is a single JSON document holding every order, menu item, table
// and the business settings, together with per-collection counts and a
// SHA-256 checksum of the data section. Import verifies the document before
// touching the store and then applies it collection by collection with a
// caller-chosen strategy.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/restopos/kotsync/internal/db"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/remote"
	"github.com/restopos/kotsync/internal/validation"
)

const (
	// Format identifies a .kot document.
	Format = "restaurant-pos-kot-backup"
	// Version is the document version written by Export.
	Version = "1.0"
	// FileExt is the extension of backup files.
	FileExt = ".kot"

	// MaxDocumentSize bounds how much Import reads.
	MaxDocumentSize = 64 << 20

	fileTimeLayout = "20060102_150405"
)

// Strategy says how Import treats a record whose id already exists locally.
type Strategy string

const (
	// StrategySkip keeps the local record.
	StrategySkip Strategy = "skip"
	// StrategyOverwrite replaces the local record with the backup copy.
	StrategyOverwrite Strategy = "overwrite"
	// StrategyMerge applies the newer copy's fields over the older one.
	StrategyMerge Strategy = "merge"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySkip, StrategyOverwrite, StrategyMerge:
		return true
	}
	return false
}

// Strategies selects a strategy per collection. Collections without an
// entry use StrategySkip.
type Strategies map[models.Collection]Strategy

func (s Strategies) For(coll models.Collection) Strategy {
	if st, ok := s[coll]; ok && st != "" {
		return st
	}
	return StrategySkip
}

// Data is the data section of a backup.
type Data struct {
	Orders    []models.Record `json:"orders"`
	MenuItems []models.Record `json:"menu_items"`
	Tables    []models.Record `json:"tables"`
	Settings  models.Record   `json:"settings"`
}

// Metadata describes the data section.
type Metadata struct {
	Counts   map[string]int `json:"counts"`
	Checksum string         `json:"checksum"`
}

// Document is a complete .kot backup.
type Document struct {
	Format     string    `json:"format"`
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Data       Data      `json:"data"`
	Metadata   Metadata  `json:"metadata"`
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	FilePath  string         `json:"file_path,omitempty"`
	SizeBytes int64          `json:"size_bytes"`
	Counts    map[string]int `json:"counts"`
	Checksum  string         `json:"checksum"`
	Duration  time.Duration  `json:"duration"`
}

// CollectionResult counts what Import did with one collection.
type CollectionResult struct {
	Strategy    Strategy `json:"strategy"`
	Inserted    int      `json:"inserted"`
	Overwritten int      `json:"overwritten"`
	Merged      int      `json:"merged"`
	Skipped     int      `json:"skipped"`
}

// ImportResult represents the result of an import operation.
type ImportResult struct {
	ExportedAt  time.Time                               `json:"exported_at"`
	Collections map[models.Collection]*CollectionResult `json:"collections"`
	Duration    time.Duration                           `json:"duration"`
}

// Exporter writes backups to a directory.
type Exporter interface {
	ExportToFile(ctx context.Context, dir string) (*ExportResult, error)
}

var _ Exporter = (*Service)(nil)

// Service provides export/import functionality over a local store.
type Service struct {
	store db.Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new Service.
func NewService(store db.Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export writes a backup of the store to w.
func (s *Service) Export(ctx context.Context, w io.Writer) (*ExportResult, error) {
	start := time.Now()

	doc, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to encode backup", err)
	}
	n, err := w.Write(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to write backup", err)
	}

	result := &ExportResult{
		SizeBytes: int64(n),
		Counts:    doc.Metadata.Counts,
		Checksum:  doc.Metadata.Checksum,
		Duration:  time.Since(start),
	}
	logging.Info("backup exported", map[string]interface{}{
		"size_bytes": result.SizeBytes,
		"orders":     result.Counts[string(models.CollectionOrders)],
		"checksum":   result.Checksum,
	})
	return result, nil
}

// ExportToFile writes a timestamped backup into dir. The file only appears
// under its final name once it is complete.
func (s *Service) ExportToFile(ctx context.Context, dir string) (*ExportResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to create backup directory", err)
	}

	name := "kotsync_" + s.now().UTC().Format(fileTimeLayout) + FileExt
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to create backup file", err)
	}
	result, err := s.Export(ctx, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = apperrors.Wrap(apperrors.ErrExportFailed, "failed to close backup file", cerr)
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to finalize backup file", err)
	}

	result.FilePath = path
	return result, nil
}

func (s *Service) snapshot(ctx context.Context) (*Document, error) {
	var data Data
	var err error
	if data.Orders, err = s.collection(ctx, models.CollectionOrders); err != nil {
		return nil, err
	}
	if data.MenuItems, err = s.collection(ctx, models.CollectionMenuItems); err != nil {
		return nil, err
	}
	if data.Tables, err = s.collection(ctx, models.CollectionTables); err != nil {
		return nil, err
	}
	settings, err := s.store.Get(ctx, models.CollectionSettings, remote.SettingsID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to read settings", err)
	}
	if settings == nil {
		settings = models.Record{}
	}
	data.Settings = settings

	sum, err := Checksum(data)
	if err != nil {
		return nil, err
	}
	return &Document{
		Format:     Format,
		Version:    Version,
		ExportedAt: s.now().UTC(),
		Data:       data,
		Metadata:   Metadata{Counts: data.counts(), Checksum: sum},
	}, nil
}

func (s *Service) collection(ctx context.Context, coll models.Collection) ([]models.Record, error) {
	recs, err := s.store.GetAll(ctx, coll)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to read "+string(coll), err)
	}
	if recs == nil {
		recs = []models.Record{}
	}
	return recs, nil
}

func (d Data) counts() map[string]int {
	settings := 0
	if len(d.Settings) > 0 {
		settings = 1
	}
	return map[string]int{
		string(models.CollectionOrders):    len(d.Orders),
		string(models.CollectionMenuItems): len(d.MenuItems),
		string(models.CollectionTables):    len(d.Tables),
		string(models.CollectionSettings):  settings,
	}
}

// Checksum returns the hex SHA-256 of the canonical JSON form of data.
// Record fields are encoded in sorted key order, so the value does not
// depend on how the document was formatted.
func Checksum(data Data) (string, error) {
	canonical, err := json.Marshal(data)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrExportFailed, "failed to encode backup data", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Import verifies the backup read from r and applies it to the store.
// Nothing is written unless the format, version, checksum and every record
// check out.
func (s *Service) Import(ctx context.Context, r io.Reader, strategies Strategies) (*ImportResult, error) {
	start := time.Now()

	for coll, st := range strategies {
		if !st.Valid() {
			return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown import strategy %q for %s", st, coll))
		}
	}

	doc, err := Decode(r)
	if err != nil {
		return nil, err
	}

	plan, err := prepare(doc.Data)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{
		ExportedAt:  doc.ExportedAt,
		Collections: make(map[models.Collection]*CollectionResult, len(plan)),
	}
	for _, part := range plan {
		res, err := s.apply(ctx, part.coll, part.records, strategies.For(part.coll))
		if err != nil {
			return nil, err
		}
		result.Collections[part.coll] = res
	}
	result.Duration = time.Since(start)

	logging.Info("backup imported", map[string]interface{}{
		"exported_at": doc.ExportedAt.Format(time.RFC3339),
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

// ImportFile imports the backup stored at path.
func (s *Service) ImportFile(ctx context.Context, path string, strategies Strategies) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to open backup", err)
	}
	defer f.Close()
	return s.Import(ctx, f, strategies)
}

// Decode reads and verifies a backup document without applying it.
func Decode(r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to read backup", err)
	}
	if len(raw) > MaxDocumentSize {
		return nil, apperrors.New(apperrors.ErrImportFailed, "backup is too large")
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "backup is not valid JSON", err)
	}
	if doc.Format != Format {
		return nil, apperrors.New(apperrors.ErrImportFailed, fmt.Sprintf("unsupported backup format %q", doc.Format))
	}
	if major, _, _ := strings.Cut(doc.Version, "."); major != "1" {
		return nil, apperrors.New(apperrors.ErrImportFailed, fmt.Sprintf("unsupported backup version %q", doc.Version))
	}

	sum, err := Checksum(doc.Data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to hash backup data", err)
	}
	if !strings.EqualFold(sum, doc.Metadata.Checksum) {
		return nil, apperrors.New(apperrors.ErrIntegrity, "backup checksum does not match its data")
	}
	for name, want := range doc.Metadata.Counts {
		if got, ok := doc.Data.counts()[name]; ok && got != want {
			return nil, apperrors.New(apperrors.ErrIntegrity,
				fmt.Sprintf("backup lists %d %s but holds %d", want, name, got))
		}
	}
	return &doc, nil
}

type part struct {
	coll    models.Collection
	records []models.Record
}

// prepare validates every record and returns them grouped by collection.
func prepare(data Data) ([]part, error) {
	plan := []part{
		{coll: models.CollectionOrders, records: data.Orders},
		{coll: models.CollectionMenuItems, records: data.MenuItems},
		{coll: models.CollectionTables, records: data.Tables},
	}
	if len(data.Settings) > 0 {
		settings := data.Settings.Clone()
		settings.SetID(remote.SettingsID)
		plan = append(plan, part{coll: models.CollectionSettings, records: []models.Record{settings}})
	}

	for i, p := range plan {
		out := make([]models.Record, 0, len(p.records))
		for j, rec := range p.records {
			valid, err := validation.Validate(p.coll, numbersToFloat(rec))
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrImportFailed,
					fmt.Sprintf("%s[%d] is not a valid record", p.coll, j), err)
			}
			if valid.ID() == "" {
				return nil, apperrors.New(apperrors.ErrImportFailed, fmt.Sprintf("%s[%d] has no id", p.coll, j))
			}
			out = append(out, valid)
		}
		plan[i].records = out
	}
	return plan, nil
}

func (s *Service) apply(ctx context.Context, coll models.Collection, recs []models.Record, st Strategy) (*CollectionResult, error) {
	res := &CollectionResult{Strategy: st}
	for _, rec := range recs {
		local, err := s.store.Get(ctx, coll, rec.ID())
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to read "+string(coll), err)
		}

		next := rec
		switch {
		case local == nil:
			res.Inserted++
		case st == StrategySkip:
			res.Skipped++
			continue
		case st == StrategyOverwrite:
			res.Overwritten++
		default:
			if rec.LastModified() >= local.LastModified() {
				next = local.Merge(rec)
			} else {
				next = rec.Merge(local)
			}
			res.Merged++
		}

		if _, err := s.store.Put(ctx, coll, next); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to write "+string(coll), err)
		}
	}
	return res, nil
}

// numbersToFloat converts json.Number values left by the decoder into the
// float64 form the rest of the code expects.
func numbersToFloat(rec models.Record) models.Record {
	out := make(models.Record, len(rec))
	for k, v := range rec {
		out[k] = convertNumbers(v)
	}
	return out
}

func convertNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, x := range t {
			m[k] = convertNumbers(x)
		}
		return m
	case []interface{}:
		l := make([]interface{}, len(t))
		for i, x := range t {
			l[i] = convertNumbers(x)
		}
		return l
	}
	return v
}
