package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Exposure categories recorded on data files.
const (
	ExposureBias    = "BI"
	ExposureDark    = "DA"
	ExposureFlat    = "FL"
	ExposureLight   = "LI"
	ExposureUnknown = "UK"
)

// ExposureTypes lists every accepted exposure category.
var ExposureTypes = []string{ExposureBias, ExposureDark, ExposureFlat, ExposureLight, ExposureUnknown}

// IsExposureType reports whether v is an accepted exposure category.
func IsExposureType(v string) bool {
	for _, t := range ExposureTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Filter is the closed set of optional predicates a selection may carry.
// Unset fields impose no constraint; set fields are combined with AND.
type Filter struct {
	FileType      string   `json:"file_type,omitempty"`
	FileName      string   `json:"file_name,omitempty"`
	Target        string   `json:"main_target,omitempty"`
	ExposureTypes []string `json:"exposure_type,omitempty"`
	ExptimeMin    *float64 `json:"exptime_min,omitempty"`
	ExptimeMax    *float64 `json:"exptime_max,omitempty"`
	Instrument    string   `json:"instrument,omitempty"`
	Spectroscopy  *bool    `json:"spectroscopy,omitempty"`
}

// IsZero reports whether no predicate is set.
func (f Filter) IsZero() bool {
	return f.FileType == "" && f.FileName == "" && f.Target == "" &&
		len(f.ExposureTypes) == 0 && f.ExptimeMin == nil && f.ExptimeMax == nil &&
		f.Instrument == "" && f.Spectroscopy == nil
}

// Value stores the filter as a JSON document.
func (f Filter) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal filter: %w", err)
	}
	return string(b), nil
}

// Scan reads a filter from a JSON text column.
func (f *Filter) Scan(src any) error {
	*f = Filter{}
	data, err := jsonBytes(src)
	if err != nil || len(data) == 0 {
		return err
	}
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("failed to unmarshal filter: %w", err)
	}
	return nil
}

// IDList is a list of data file identifiers stored as a JSON array.
type IDList []int64

// Value stores the list as a JSON array.
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]int64(l))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal id list: %w", err)
	}
	return string(b), nil
}

// Scan reads the list from a JSON text column.
func (l *IDList) Scan(src any) error {
	*l = nil
	data, err := jsonBytes(src)
	if err != nil || len(data) == 0 {
		return err
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("failed to unmarshal id list: %w", err)
	}
	if len(ids) > 0 {
		*l = ids
	}
	return nil
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
