package store

import "time"

// Measurement is one stored measurement report
type Measurement struct {
	ID              string // UUID, assigned on save
	CreatedAt       time.Time
	DownloadMbps    float64
	UploadMbps      float64
	UploadEstimated bool
	PingMs          float64
	IP              string
	Country         string
	City            string
	Region          string
	ISP             string
	FailedProbes    []string // probe kinds that reported a failure
	ReportJSON      string   // the report as served
}
