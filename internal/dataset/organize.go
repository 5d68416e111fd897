package dataset

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"go.uber.org/zap"
)

// Report summarizes a dataset as {split: {class: count}}. Splits is nil when
// a flat layout could not be planned.
type Report struct {
	Root    string        `json:"root"`
	Layout  Layout        `json:"layout"`
	Classes map[Class]int `json:"classes"`
	Splits  Counts        `json:"splits"`
}

func newReport(ds *Dataset) *Report {
	r := &Report{Root: ds.Root, Layout: ds.Layout, Classes: ds.ClassTotals()}
	if ds.Layout == LayoutPreSplit {
		r.Splits = ds.Counts()
	}
	return r
}

// WriteTo prints the report as a table.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "root:\t%s\n", r.Root)
	fmt.Fprintf(tw, "layout:\t%s\n", r.Layout)
	for _, cl := range Classes {
		fmt.Fprintf(tw, "%s:\t%d images\n", cl, r.Classes[cl])
	}
	if r.Splits != nil {
		fmt.Fprintf(tw, "\nsplit\t%s\t%s\ttotal\n", Normal, Pneumonia)
		for _, s := range Splits {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", s, r.Splits.Get(s, Normal), r.Splits.Get(s, Pneumonia), r.Splits.Total(s))
		}
	}
	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Check scans src and reports the counts a split would produce, without
// creating, copying or moving anything. For a flat layout whose plan fails
// the report is still returned, with nil Splits, alongside the error.
func Check(src string, r Ratios, seed int64) (*Report, error) {
	ds, err := Scan(src)
	if err != nil {
		return nil, err
	}
	report := newReport(ds)
	if ds.Layout == LayoutPreSplit {
		return report, nil
	}

	planned, err := Plan(ds, r, seed)
	if err != nil {
		return report, err
	}
	report.Splits = planned.Counts()
	return report, nil
}

// Organize splits a flat layout in src into dst/{train,val,test}/{class}/.
// Files are copied, never moved. A pre-split source is left as is.
func Organize(src, dst string, r Ratios, seed int64, logger *zap.Logger) (*Report, error) {
	ds, err := Scan(src)
	if err != nil {
		return nil, err
	}
	if ds.Layout == LayoutPreSplit {
		logger.Info("source is already split, nothing to organize", zap.String("source", src))
		return newReport(ds), nil
	}

	planned, err := Plan(ds, r, seed)
	if err != nil {
		return nil, err
	}

	stale, err := staleFiles(dst, planned)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		return nil, &StaleTargetError{Dir: dst, Files: stale}
	}

	for _, s := range Splits {
		for _, cl := range Classes {
			if err := os.MkdirAll(filepath.Join(dst, string(s), string(cl)), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create split directory: %w", err)
			}
		}
	}

	copied := 0
	for _, sm := range planned.Samples {
		target := filepath.Join(dst, string(sm.Split), string(sm.Class), filepath.Base(sm.Path))
		if err := copyFile(sm.Path, target); err != nil {
			return nil, err
		}
		copied++
	}

	report := newReport(planned)
	report.Splits = planned.Counts()
	for _, s := range Splits {
		logger.Info("split organized",
			zap.String("split", string(s)),
			zap.Int(string(Normal), report.Splits.Get(s, Normal)),
			zap.Int(string(Pneumonia), report.Splits.Get(s, Pneumonia)),
		)
	}
	logger.Info("dataset organized", zap.String("target", dst), zap.Int("copied", copied))
	return report, nil
}

// staleFiles lists images under dst/{split}/{class} that the plan does not
// put there. A rerun with the same plan finds none.
func staleFiles(dst string, planned *Dataset) ([]string, error) {
	want := make(map[string]bool, len(planned.Samples))
	for _, sm := range planned.Samples {
		want[filepath.Join(string(sm.Split), string(sm.Class), filepath.Base(sm.Path))] = true
	}

	var stale []string
	for _, s := range Splits {
		splitDir, ok := findSubdir(dst, string(s))
		if !ok {
			continue
		}
		for _, cl := range Classes {
			dir, ok := findSubdir(splitDir, string(cl))
			if !ok {
				continue
			}
			files, err := listImages(dir)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if !want[filepath.Join(string(s), string(cl), filepath.Base(f))] {
					stale = append(stale, f)
				}
			}
		}
	}
	return stale, nil
}

// copyFile writes src to dst through a temporary file in dst's directory
// and keeps the source modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", dst, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to place %s: %w", dst, err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
