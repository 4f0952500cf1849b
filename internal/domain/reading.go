package domain

import "time"

// Quality tags the trustworthiness of a reading.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
	QualityOffline   Quality = "offline"
)

// Reading is one successful value read from the remote source.
type Reading struct {
	Value     any
	Timestamp time.Time
	Quality   Quality
}
