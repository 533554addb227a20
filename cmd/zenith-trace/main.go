// Command zenith-trace prints the stage timings recorded by zenith -trace.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/zenith/internal/timeslice"
)

type stageStats struct {
	Stage string
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *stageStats) add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Sum += d
}

func (s *stageStats) String() string {
	return fmt.Sprintf("%-24s count=%-4d min=%-12s max=%-12s avg=%s",
		s.Stage, s.Count, s.Min, s.Max, s.Sum/time.Duration(s.Count))
}

// summary aggregates stages across traces, keeping first-seen order.
type summary struct {
	order []string
	stats map[string]*stageStats
}

func (s *summary) add(stage string, d time.Duration) {
	if s.stats == nil {
		s.stats = map[string]*stageStats{}
	}
	st, ok := s.stats[stage]
	if !ok {
		st = &stageStats{Stage: stage}
		s.stats[stage] = st
		s.order = append(s.order, stage)
	}
	st.add(d)
}

func (s *summary) write(w io.Writer) {
	for _, stage := range s.order {
		fmt.Fprintln(w, s.stats[stage])
	}
}

func readTrace(path string, fn func(stage string, d time.Duration) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return timeslice.ReadAll(f, fn)
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("zenith-trace", flag.ContinueOnError)
	sums := fs.Bool("sums", false, "Aggregate every trace into per-stage statistics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: zenith-trace [-sums] trace...")
	}

	var sum summary
	for _, path := range fs.Args() {
		err := readTrace(path, func(stage string, d time.Duration) error {
			if *sums {
				sum.add(stage, d)
				return nil
			}
			_, err := fmt.Fprintf(stdout, "%s\t%-24s %s\n", path, stage, d)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if *sums {
		sum.write(stdout)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "zenith-trace: %v\n", err)
		os.Exit(1)
	}
}
