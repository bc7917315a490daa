// SPDX-License-Identifier: GPL-3.0-or-later

package filter

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// Outcome is the aggregated result of running a Plan: unanimous consent
// from every filter that ran, or the first Drop encountered, plus a
// {metadata_changed, data_changed} summary of what WriteFilters touched.
type Outcome struct {
	Decision        Decision
	Reason          bpv7.StatusReportReason
	MetadataChanged bool
	DataChanged     bool
}

// Exec runs plan against meta and bundle, both mutated in place by any
// WriteFilter that touches them. Any Drop is final and short-circuits the
// remaining levels. Within a level, WriteFilters run first and
// sequentially (in name order, since nothing in the DAG orders them
// relative to one another), then ReadFilters run concurrently against the
// result — a level never hands a ReadFilter data a sibling WriteFilter is
// still about to change.
func Exec(ctx context.Context, plan Plan, meta *store.BundleMetadata, bundle *bpv7.Bundle) (Outcome, error) {
	var out Outcome

	for _, level := range plan.levels {
		var writes, reads []*entry
		for _, e := range level {
			if e.kind == kindWrite {
				writes = append(writes, e)
			} else {
				reads = append(reads, e)
			}
		}

		for _, w := range writes {
			res, err := w.write(ctx, meta, bundle)
			if err != nil {
				return out, fmt.Errorf("filter %q: %w", w.name, err)
			}
			if res.MetadataChanged {
				out.MetadataChanged = true
			}
			if res.DataChanged {
				out.DataChanged = true
			}
			if res.Decision == Drop {
				out.Decision = Drop
				out.Reason = res.Reason
				return out, nil
			}
		}

		if len(reads) == 0 {
			continue
		}

		results := make([]ReadResult, len(reads))
		var errs error
		var errsMu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		for i, rf := range reads {
			i, rf := i, rf
			g.Go(func() error {
				res, err := rf.read(gctx, meta, bundle)
				if err != nil {
					errsMu.Lock()
					errs = multierror.Append(errs, fmt.Errorf("filter %q: %w", rf.name, err))
					errsMu.Unlock()
					return nil
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()

		if errs != nil {
			return out, errs
		}

		for _, res := range results {
			if res.Decision == Drop {
				out.Decision = Drop
				out.Reason = res.Reason
				return out, nil
			}
		}
	}

	return out, nil
}
