package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/haivivi/idxstore/pkg/directory"
)

// CopyResult is the outcome of copying one sub-index.
type CopyResult struct {
	SubIndex string
	Files    int
	Bytes    int64
	Duration time.Duration

	// Synthesized is true when the source held no index and an empty one
	// was written to the destination.
	Synthesized bool

	Err error
}

// CopyReport collects the results of CopyFrom, one per sub-index in order.
type CopyReport struct {
	Results []CopyResult
}

// Failed returns the sub-indexes whose copy failed.
func (r *CopyReport) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res.SubIndex)
		}
	}
	return out
}

// CopyFrom replaces the content of the given sub-indexes, or all, with the
// content of the same sub-indexes in src. Each sub-index is copied on its
// own: a failure is rolled back by the backend, recorded in the report and
// does not stop the others. The returned error aggregates every failure,
// each matching ErrReplication.
func (m *Manager) CopyFrom(ctx context.Context, src *Manager, subIndexes ...string) (*CopyReport, error) {
	if err := m.checkOpen("copy", ""); err != nil {
		return nil, err
	}
	report := &CopyReport{}
	var errs *multierror.Error
	for _, si := range m.targets(subIndexes) {
		res := m.copyOne(ctx, src, si)
		report.Results = append(report.Results, res)
		if res.Err != nil {
			errs = multierror.Append(errs, res.Err)
		}
	}
	return report, errs.ErrorOrNil()
}

func (m *Manager) copyOne(ctx context.Context, src *Manager, subIndex string) (res CopyResult) {
	res.SubIndex = subIndex
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		m.metrics.copied(res.Duration, res.Err)
		m.metrics.op("copy", res.Err)
	}()

	if err := m.checkSubIndex("copy", subIndex); err != nil {
		res.Err = withKind(ErrReplication, "copy", m.subContext, subIndex, err)
		return res
	}

	srcDir, err := src.Directory(ctx, subIndex)
	if err != nil {
		res.Err = withKind(ErrReplication, "copy", m.subContext, subIndex, fmt.Errorf("open source: %w", err))
		return res
	}

	unlock := m.guard(subIndex)
	defer unlock()

	dst, err := m.cache.Get(ctx, m.subContext, subIndex)
	if err != nil {
		res.Err = withKind(ErrReplication, "copy", m.subContext, subIndex, fmt.Errorf("open destination: %w", err))
		return res
	}
	raw := directory.Raw(dst)

	session, err := m.backend.BeforeCopyFrom(ctx, m.subContext, subIndex, raw)
	if err != nil {
		res.Err = withKind(ErrReplication, "copy", m.subContext, subIndex, fmt.Errorf("prepare: %w", err))
		return res
	}

	err = func() error {
		files, n, err := directory.Copy(ctx, raw, directory.Raw(srcDir))
		res.Files, res.Bytes = files, n
		directory.Invalidate(dst)
		if err != nil {
			return err
		}
		ok, err := directory.IndexPresent(ctx, raw)
		if err != nil || ok {
			return err
		}
		res.Synthesized = true
		return directory.CreateEmptyIndex(ctx, dst)
	}()

	if err != nil {
		if herr := m.backend.AfterFailedCopyFrom(ctx, session); herr != nil {
			m.logger.Error("store: copy rollback failed",
				"subcontext", m.subContext, "subindex", subIndex, "aside", session.Aside, "err", herr)
			err = errors.Join(err, fmt.Errorf("rollback: %w", herr))
		}
		directory.Invalidate(dst)
		// The rollback may have replaced the storage under the handle.
		if !m.caps.SharedHandles {
			if cerr := m.cache.Remove(m.subContext, subIndex); cerr != nil {
				m.logger.Warn("store: close copy destination failed",
					"subcontext", m.subContext, "subindex", subIndex, "err", cerr)
			}
		}
		res.Err = withKind(ErrReplication, "copy", m.subContext, subIndex, err)
		return res
	}

	if err := m.backend.AfterSuccessfulCopyFrom(ctx, session); err != nil {
		m.logger.Warn("store: discard copy aside failed",
			"subcontext", m.subContext, "subindex", subIndex, "aside", session.Aside, "err", err)
	}
	m.logger.Info("store: copied index",
		"subcontext", m.subContext, "subindex", subIndex,
		"files", res.Files, "bytes", res.Bytes, "synthesized", res.Synthesized)
	return res
}
