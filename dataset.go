package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ===========================================================================
// Dataset sources
// ===========================================================================
//
// A dataset name is resolved in this order:
//
//  1. An existing .json / .jsonl file: read directly.
//  2. An existing directory: <split>.jsonl or <split>.json inside it.
//  3. Anything else: a hub dataset id, fetched page by page from the
//     datasets-server rows API.
//
// A split may carry a row slice, "train[:500]" or "train[100:200]",
// applied after loading.
// ===========================================================================

const (
	defaultHubURL      = "https://datasets-server.huggingface.co"
	defaultHubPageSize = 100 // server maximum
)

// DatasetOptions configures where datasets come from.
type DatasetOptions struct {
	HubURL     string       // rows API base URL
	Token      string       // bearer token, usually HF_TOKEN
	Client     *http.Client // nil uses a client with a 2 minute timeout
	PageSize   int
	ConfigName string // hub dataset config, "default" when empty
}

// Dataset is an in-memory list of records.
type Dataset struct {
	Name    string
	Split   string
	Records []Record
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return len(d.Records)
}

var splitSliceRe = regexp.MustCompile(`^([^\[\]]+)\[(-?\d*):(-?\d*)\]$`)

// parseSplit separates "train[10:20]" into the split name and bounds.
// Missing bounds are returned as nil.
func parseSplit(split string) (name string, lo, hi *int, err error) {
	m := splitSliceRe.FindStringSubmatch(split)
	if m == nil {
		if strings.ContainsAny(split, "[]") {
			return "", nil, nil, fmt.Errorf("dataset: malformed split %q", split)
		}
		return split, nil, nil, nil
	}

	bound := func(s string) (*int, error) {
		if s == "" {
			return nil, nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		return &v, nil
	}
	if lo, err = bound(m[2]); err != nil {
		return "", nil, nil, fmt.Errorf("dataset: split %q: %w", split, err)
	}
	if hi, err = bound(m[3]); err != nil {
		return "", nil, nil, fmt.Errorf("dataset: split %q: %w", split, err)
	}
	return m[1], lo, hi, nil
}

// sliceRecords applies Python-style slice bounds.
func sliceRecords(records []Record, lo, hi *int) []Record {
	n := len(records)
	clamp := func(p *int, def int) int {
		if p == nil {
			return def
		}
		v := *p
		if v < 0 {
			v += n
		}
		return max(0, min(v, n))
	}
	start, end := clamp(lo, 0), clamp(hi, n)
	if start >= end {
		return nil
	}
	return records[start:end]
}

// LoadDataset loads the named split. Records are returned in source order,
// with no filtering or deduplication.
func LoadDataset(ctx context.Context, name, split string, opts DatasetOptions) (*Dataset, error) {
	splitName, lo, hi, err := parseSplit(split)
	if err != nil {
		return nil, err
	}

	var records []Record
	info, statErr := os.Stat(name)
	switch {
	case statErr == nil && info.IsDir():
		records, err = loadSplitFromDir(name, splitName)
	case statErr == nil:
		records, err = loadRecordsFile(name)
	case isLocalDataFile(name):
		return nil, fmt.Errorf("dataset: %w", statErr)
	default:
		// Non-negative bounds are fetched directly; negative ones need the
		// whole split before slicing.
		if start, end, ok := hubWindow(lo, hi); ok {
			records, err = fetchHubRows(ctx, name, splitName, start, end, opts)
			lo, hi = nil, nil
		} else {
			records, err = fetchHubRows(ctx, name, splitName, 0, -1, opts)
		}
	}
	if err != nil {
		return nil, err
	}

	return &Dataset{Name: name, Split: split, Records: sliceRecords(records, lo, hi)}, nil
}

func isLocalDataFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

func loadSplitFromDir(dir, split string) ([]Record, error) {
	for _, ext := range []string{".jsonl", ".json"} {
		path := filepath.Join(dir, split+ext)
		if _, err := os.Stat(path); err == nil {
			return loadRecordsFile(path)
		}
	}
	return nil, fmt.Errorf("dataset: no %s.jsonl or %s.json in %s: %w", split, split, dir, os.ErrNotExist)
}

// loadRecordsFile reads a JSON array or JSON Lines file.
func loadRecordsFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return decodeJSONLines(f, path)
	}

	var records []Record
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return nil, fmt.Errorf("dataset: parse %s: %w", path, err)
	}
	return records, nil
}

func decodeJSONLines(r io.Reader, path string) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("dataset: %s line %d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", path, err)
	}
	return records, nil
}

// hubRowsPage is one response of the rows API.
type hubRowsPage struct {
	Rows []struct {
		RowIdx int            `json:"row_idx"`
		Row    map[string]any `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

// HubError is a non-2xx response from the dataset hub.
type HubError struct {
	StatusCode int
	Body       string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("dataset hub: status %d: %s", e.StatusCode, e.Body)
}

var errEmptyDatasetName = errors.New("dataset: empty dataset name")

// hubWindow converts slice bounds to a row range [start, end). end is -1
// for "to the end of the split". Negative bounds are not representable.
func hubWindow(lo, hi *int) (start, end int, ok bool) {
	end = -1
	if lo != nil {
		if *lo < 0 {
			return 0, 0, false
		}
		start = *lo
	}
	if hi != nil {
		if *hi < 0 {
			return 0, 0, false
		}
		end = max(start, *hi)
	}
	return start, end, true
}

// fetchHubRows pages through rows [start, end) of a hub split; end < 0
// reads to the end.
func fetchHubRows(ctx context.Context, name, split string, start, end int, opts DatasetOptions) ([]Record, error) {
	if name == "" {
		return nil, errEmptyDatasetName
	}

	base := strings.TrimRight(opts.HubURL, "/")
	if base == "" {
		base = defaultHubURL
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > defaultHubPageSize {
		pageSize = defaultHubPageSize
	}
	configName := opts.ConfigName
	if configName == "" {
		configName = "default"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	var records []Record
	for offset := start; end < 0 || offset < end; {
		length := pageSize
		if end >= 0 {
			length = min(length, end-offset)
		}

		q := url.Values{}
		q.Set("dataset", name)
		q.Set("config", configName)
		q.Set("split", split)
		q.Set("offset", strconv.Itoa(offset))
		q.Set("length", strconv.Itoa(length))

		page, err := getRowsPage(ctx, client, base+"/rows?"+q.Encode(), opts.Token)
		if err != nil {
			return nil, fmt.Errorf("dataset: fetch %s/%s at offset %d: %w", name, split, offset, err)
		}

		for _, row := range page.Rows {
			records = append(records, recordFromMap(row.Row))
		}
		offset += len(page.Rows)

		if len(page.Rows) == 0 || offset >= page.NumRowsTotal {
			break
		}
	}

	return records, nil
}

func getRowsPage(ctx context.Context, client *http.Client, u, token string) (*hubRowsPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HubError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var page hubRowsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &page, nil
}
