package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/pranavko12/weathervault/internal/objectstore"
)

const sampleBody = `{
	"lat": 40.7484, "lon": -73.9967, "tz": "-05:00", "date": "2020-03-04", "units": "standard",
	"cloud_cover": {"afternoon": 75},
	"humidity": {"afternoon": 33.50},
	"precipitation": {"total": 0},
	"pressure": {"afternoon": 1015},
	"temperature": {"min": 278.91, "max": 285.61, "afternoon": 284.4, "night": 280.1},
	"wind": {"max": {"speed": 8.75, "direction": 120}}
}`

func TestFlattenPicksNestedFields(t *testing.T) {
	row, err := Flatten("raw/openweather/year=2020/month=03/day=04/zipcode=10001/a.json", []byte(sampleBody))
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	want := []string{"2020-03-04", "10001", "75", "33.5", "0", "1015", "284.4", "278.91", "285.61", "8.75", "120"}
	if !reflect.DeepEqual(row, want) {
		t.Fatalf("row = %v, want %v", row, want)
	}
}

func TestFlattenLeavesMissingFieldsEmpty(t *testing.T) {
	row, err := Flatten("raw/year=2020/month=03/day=04/zipcode=94107/a.json", []byte(`{"date":"2020-03-04","wind":{"max":"calm"}}`))
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(row) != len(Columns) {
		t.Fatalf("expected %d cells, got %d", len(Columns), len(row))
	}
	for i, cell := range row[2:] {
		if cell != "" {
			t.Fatalf("column %s expected empty, got %q", Columns[i+2], cell)
		}
	}
}

func TestFlattenRejectsMalformedObjects(t *testing.T) {
	cases := map[string]struct {
		key  string
		body string
	}{
		"no zipcode": {key: "raw/year=2020/a.json", body: sampleBody},
		"not json":   {key: "raw/zipcode=1/a.json", body: "<html>"},
		"no date":    {key: "raw/zipcode=1/a.json", body: `{"temperature":{"min":1}}`},
	}
	for name, tc := range cases {
		if _, err := Flatten(tc.key, []byte(tc.body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRunWritesSortedTableAndArchivesPrevious(t *testing.T) {
	store := newFakeStore()
	store.objects["raw/year=2020/month=03/day=05/zipcode=10001/b.json"] = []byte(strings.Replace(sampleBody, "2020-03-04", "2020-03-05", 1))
	store.objects["raw/year=2020/month=03/day=04/zipcode=94107/c.json"] = []byte(sampleBody)
	store.objects["raw/year=2020/month=03/day=04/zipcode=10001/a.json"] = []byte(sampleBody)
	store.objects["raw/year=2020/month=03/day=04/zipcode=10001/bad.json"] = []byte("{")
	store.objects["processed/weather.csv"] = []byte("old")

	e := New(store, Config{RawPrefix: "raw", ProcessedPrefix: "processed/", ProcessedFile: "weather.csv"}, nil)
	e.now = func() time.Time { return time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC) }

	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Objects != 4 || rep.Rows != 3 || rep.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Key != "processed/weather.csv" {
		t.Fatalf("unexpected key %q", rep.Key)
	}
	if rep.Archived != "processed/archive/20240601T083000Z-weather.csv" {
		t.Fatalf("unexpected archive key %q", rep.Archived)
	}
	if string(store.objects[rep.Archived]) != "old" {
		t.Fatal("previous export was not archived")
	}
	if store.contentTypes[rep.Key] != "text/csv" {
		t.Fatalf("unexpected content type %q", store.contentTypes[rep.Key])
	}

	records, err := csv.NewReader(strings.NewReader(string(store.objects[rep.Key]))).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !reflect.DeepEqual(records[0], Columns) {
		t.Fatalf("unexpected header %v", records[0])
	}
	var order []string
	for _, r := range records[1:] {
		order = append(order, r[0]+"/"+r[1])
	}
	want := []string{"2020-03-04/10001", "2020-03-04/94107", "2020-03-05/10001"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("row order = %v, want %v", order, want)
	}
}

func TestRunWithoutRawObjects(t *testing.T) {
	e := New(newFakeStore(), Config{RawPrefix: "raw", ProcessedPrefix: "processed", ProcessedFile: "weather.csv"}, nil)
	if _, err := e.Run(context.Background()); !errors.Is(err, objectstore.ErrNoObjects) {
		t.Fatalf("expected ErrNoObjects, got %v", err)
	}
}

type fakeStore struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (f *fakeStore) Bucket() string { return "weather" }

func (f *fakeStore) List(_ context.Context, prefix, ext string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && strings.HasSuffix(k, ext) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", objectstore.ErrNoObjects, prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	b, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return b, nil
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte, contentType string, _ map[string]string) (string, error) {
	f.objects[key] = body
	f.contentTypes[key] = contentType
	return "etag", nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) Copy(_ context.Context, _, srcKey, _, dstKey string) error {
	f.objects[dstKey] = f.objects[srcKey]
	return nil
}
