// Package export renders a board's feeding plan for yard printouts.
package export

import (
	"errors"
	"time"
)

// Plan is the printable view of one board: horses down, feeds across in
// rank order, AM/PM amounts in the cells.
type Plan struct {
	BoardName   string
	TimeMode    string
	GeneratedAt time.Time
	Feeds       []string
	Horses      []PlanHorse
}

type PlanHorse struct {
	Name    string
	Note    string
	Amounts []Amount // aligned with Plan.Feeds
}

type Amount struct {
	AM float64
	PM float64
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates headless Chrome is not available
var ErrPDFDependencyMissing = errors.New("pdf export dependency missing")
