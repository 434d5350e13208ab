package sqlcgen

import "time"

type MapMarker struct {
	Kind          string
	Identity      string
	Name          *string
	OutsideIdx    *int64
	InsideIdx     *int64
	DimensionType *string
	TopLocation   *string
	LeftLocation  *string
	Attrs         map[string]any
	UpdatedAt     time.Time
}

type MapBackground struct {
	ID         int64
	View       string
	OutsideIdx int64
	InsideIdx  *int64
	ObjectKey  *string
	URL        *string
}

type AccessControlUnit struct {
	AcuID  string
	DoorID string
	Online bool
}

type GuardianliteTarget struct {
	Identity string
	Name     *string
}
