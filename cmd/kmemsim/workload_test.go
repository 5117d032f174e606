package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/besos/kmem/heap"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, document string) heap.Config {
	cfg, err := heap.ParseConfig([]byte(document))
	require.NoError(t, err)
	return cfg
}

func runDocument(t *testing.T, cfg heap.Config, document string, options runOptions) (string, error) {
	wl, err := parseWorkload([]byte(document))
	require.NoError(t, err)

	var out bytes.Buffer
	err = runWorkload(newLogger(io.Discard, "debug", true), cfg, wl, &out, options)
	return out.String(), err
}

func TestRunFreshPageExhaustion(t *testing.T) {
	cfg := testConfig(t, `
region_length: 12KB
page_policy: fresh-page
`)

	out, err := runDocument(t, cfg, `
operations:
  - {op: malloc, name: a, size: 10}
  - {op: malloc, name: b, size: 10}
  - {op: malloc, name: c, size: 10}
  - {op: malloc, name: d, size: 10, expect: exhausted}
  - {op: validate}
  - {op: free, name: a}
  - {op: malloc, name: d, size: 10}
`, runOptions{})
	require.NoError(t, err)

	var stats struct {
		Pages struct {
			Heap int
			Free int
		}
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &stats))
	require.Equal(t, 3, stats.Pages.Heap)
	require.Equal(t, 0, stats.Pages.Free)
}

func TestRunReallocPreservesContents(t *testing.T) {
	cfg := testConfig(t, "region_length: 16KB")

	_, err := runDocument(t, cfg, `
operations:
  - {op: malloc, name: p, size: 40}
  - {op: realloc, name: p, size: 1000}
  - {op: realloc, name: p, size: 20}
  - {op: calloc, name: z, count: 16, size: 16}
  - {op: free, name: p}
  - {op: free, name: z}
  - {op: free, name: z, expect: invalid-free}
  - {op: validate}
`, runOptions{RequireClean: true})
	require.NoError(t, err)
}

func TestRunUnexpectedOutcomes(t *testing.T) {
	cfg := testConfig(t, "region_length: 4KB")

	_, err := runDocument(t, cfg, `
operations:
  - {op: malloc, name: a, size: 4064}
  - {op: malloc, name: b, size: 1}
`, runOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "operation 1")

	_, err = runDocument(t, cfg, `
operations:
  - {op: malloc, name: a, size: 4064, expect: too-large}
`, runOptions{})
	require.Error(t, err)

	_, err = runDocument(t, cfg, `
operations:
  - {op: malloc, name: a, size: 4065, expect: exhausted}
`, runOptions{})
	require.Error(t, err)
}

func TestRunRequireClean(t *testing.T) {
	cfg := testConfig(t, "region_length: 8KB")
	document := `
operations:
  - {op: malloc, name: a, size: 100}
  - {op: page-alloc, name: raw}
`

	_, err := runDocument(t, cfg, document, runOptions{})
	require.NoError(t, err)

	_, err = runDocument(t, cfg, document, runOptions{RequireClean: true})
	require.Error(t, err)
}

func TestRunPrintsStatsAndMetrics(t *testing.T) {
	cfg := testConfig(t, "region_length: 8KB")

	out, err := runDocument(t, cfg, `
operations:
  - {op: malloc, name: a, size: 100}
  - {op: stats, detailed: true}
  - {op: dump}
  - {op: free, name: a}
`, runOptions{Detailed: true, Metrics: true})
	require.NoError(t, err)

	lines := strings.SplitN(out, "\n", 3)
	require.Len(t, lines, 3)
	require.True(t, json.Valid([]byte(lines[0])), lines[0])
	require.Contains(t, lines[0], `"DetailedMap"`)
	require.True(t, json.Valid([]byte(lines[1])), lines[1])
	require.Contains(t, lines[2], `kmem_heap_operations_total{heap="kmemsim",operation="malloc"} 1`)
}

func TestParseWorkloadRejectsBadOperations(t *testing.T) {
	testCases := map[string]string{
		"unknown op":     "operations: [{op: shuffle}]",
		"missing name":   "operations: [{op: malloc, size: 10}]",
		"unknown expect": "operations: [{op: malloc, name: a, size: 10, expect: sometimes}]",
		"not yaml":       "operations: {",
	}

	for name, document := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := parseWorkload([]byte(document))
			require.Error(t, err)
		})
	}
}

func TestPrintLayout(t *testing.T) {
	cfg := testConfig(t, `
region_length: 64KB
bitmap_placement: in-region
strategy: lifo
`)

	var out bytes.Buffer
	require.NoError(t, printLayout(&out, cfg))
	require.Contains(t, out.String(), "pages: 16 total, 1 reserved for the bitmap, 15 grantable")
	require.Contains(t, out.String(), "strategy: LIFO")
	require.Contains(t, out.String(), "(64 KiB)")
}
