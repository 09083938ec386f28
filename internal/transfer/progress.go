package transfer

import "time"

// Progress is a point-in-time report for one transfer. Reports for a
// transfer are monotone non-decreasing in BytesTransferred.
type Progress struct {
	TransferID       string
	BytesTransferred int64
	TotalBytes       int64
	Speed            float64 // bytes per second
}

func progressAt(transferID string, transferred, total int64, started time.Time) Progress {
	elapsed := time.Since(started).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(transferred) / elapsed
	}
	return Progress{
		TransferID:       transferID,
		BytesTransferred: transferred,
		TotalBytes:       total,
		Speed:            speed,
	}
}
