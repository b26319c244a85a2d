// Package testutils holds small test-only helpers shared across this
// module's internal packages.
package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// TestingT is the subset of *testing.T these helpers need.
type TestingT interface {
	Errorf(format string, args ...interface{})
	Helper()
}

// AssertJSONEqual compares actualJSON against expectedJSON structurally
// (key order and formatting don't matter), failing t with an annotated diff
// when they differ. Extra keys present only in actualJSON are ignored,
// since wire packets in this module often carry fields a given assertion
// doesn't care about.
func AssertJSONEqual(t TestingT, actualJSON, expectedJSON string) {
	t.Helper()

	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		t.Errorf("invalid expected JSON: %v", err)
		return
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		t.Errorf("invalid actual JSON: %v", err)
		return
	}

	pruneExtraKeys(actual, expected)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	differ := gojsondiff.New()
	diff, err := differ.Compare(expectedBytes, actualBytes)
	if err != nil {
		t.Errorf("JSON comparison failed: %v", err)
		return
	}
	if !diff.Modified() {
		return
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	diffString, _ := f.Format(diff)
	t.Errorf("JSON assertion failed:\n%s", diffString)
}

// pruneExtraKeys removes keys from actual that aren't present in expected,
// recursively, so extra wire fields don't fail the comparison.
func pruneExtraKeys(actual, expected interface{}) {
	expMap, ok := expected.(map[string]interface{})
	if !ok {
		return
	}
	actMap, ok := actual.(map[string]interface{})
	if !ok {
		return
	}
	for k := range actMap {
		if _, exists := expMap[k]; !exists {
			delete(actMap, k)
		}
	}
	for k := range expMap {
		if actVal, exists := actMap[k]; exists {
			pruneExtraKeys(actVal, expMap[k])
		}
	}
}

// MustJSON marshals v, panicking on error (test-only convenience,
// mirroring the teacher's helper of the same name).
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutils: marshal failed: %v", err))
	}
	return string(data)
}
