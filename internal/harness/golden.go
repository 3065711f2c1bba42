package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunGolden runs a scenario, fails the test on any expectation miss, and
// compares the run report against testdata/golden/<scenario name>.golden.
//
// Regenerate golden files with:
//
//	go test ./internal/harness -update
func RunGolden(t *testing.T, sc *Scenario) *Report {
	t.Helper()

	report, err := Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("scenario %s: %v", sc.Name, err)
	}
	for _, f := range report.Failures {
		t.Errorf("scenario %s: %s", sc.Name, f)
	}

	data, err := report.MarshalIndent()
	if err != nil {
		t.Fatalf("scenario %s: render report: %v", sc.Name, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, sc.Name, data)
	return report
}
