package domain

import (
	"fmt"
	"time"
)

// DataType is the value type a point reports.
type DataType string

const (
	DataTypeFloat  DataType = "float"
	DataTypeInt    DataType = "int"
	DataTypeBool   DataType = "bool"
	DataTypeString DataType = "string"
	DataTypeEnum   DataType = "enum"
)

// IsNumeric reports whether deadband comparison applies to the type.
func (d DataType) IsNumeric() bool {
	return d == DataTypeFloat || d == DataTypeInt
}

func (d DataType) Valid() bool {
	switch d {
	case DataTypeFloat, DataTypeInt, DataTypeBool, DataTypeString, DataTypeEnum:
		return true
	default:
		return false
	}
}

// Tier is a priority class; 1 is polled fastest.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

func (t Tier) Valid() bool { return t >= Tier1 && t <= Tier3 }

// PlannedPoint holds the immutable polling parameters of one point.
type PlannedPoint struct {
	AssetID            string
	AssetName          string
	PointID            string
	PointName          string
	DataType           DataType
	Tier               Tier
	PollInterval       time.Duration
	MinPublishInterval time.Duration
	Deadband           float64
	SourceRef          string
}

// Key identifies the point across the plan.
func (p PlannedPoint) Key() string {
	return PointKey(p.AssetID, p.PointID)
}

func PointKey(assetID, pointID string) string {
	return fmt.Sprintf("%s::%s", assetID, pointID)
}
