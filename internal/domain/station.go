package domain

import "fmt"

type StationStatus string

const (
	StationAvailable StationStatus = "AVAILABLE"
	StationInUse     StationStatus = "IN_USE"
)

type Station struct {
	ID         string
	Category   string
	Index      int
	ModalityID string
	Label      string
	Status     StationStatus
}

func (s Station) String() string {
	return fmt.Sprintf("%s/%d", s.Category, s.Index)
}

// StationLabel is the human label of the station at a zero-based index.
func StationLabel(index int) string {
	return fmt.Sprintf("Table %d", index+1)
}
