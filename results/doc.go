// Package results holds the outcome of a run.
//
// Tasks complete in any order. Each Result carries the submission index of
// its task, and Assemble restores submission order once the run ends:
//
//	res := results.Assemble(runID, total, collected, elapsed, false)
//	for _, item := range res.Items {
//	    // item.Index is ascending
//	}
//	for _, i := range res.Failures.Indexes() {
//	    fmt.Println(i, res.Failures[i])
//	}
//
// Results serialize to JSON; structured errors keep their code.
package results
