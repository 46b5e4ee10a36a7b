// Package usage turns cumulative interface counters into per-service traffic
// totals for one accumulation window.
package usage

const (
	bytesPerMB = 1024 * 1024

	// SystemActivityLabel receives traffic observed while no remote endpoint was connected.
	SystemActivityLabel = "system-activity"
)

// Counters is a cumulative interface byte counter snapshot.
type Counters struct {
	BytesSent uint64
	BytesRecv uint64
}

// Record is the usage attributed to one label.
type Record struct {
	Label      string
	UploadMB   float64
	DownloadMB float64
	Count      int
}

// Delta returns the upload and download growth between two snapshots in MB.
// A direction whose counter went backwards (interface reset, wrap) yields zero.
func Delta(prev, cur Counters) (uploadMB, downloadMB float64) {
	if cur.BytesSent > prev.BytesSent {
		uploadMB = float64(cur.BytesSent-prev.BytesSent) / bytesPerMB
	}
	if cur.BytesRecv > prev.BytesRecv {
		downloadMB = float64(cur.BytesRecv-prev.BytesRecv) / bytesPerMB
	}
	return uploadMB, downloadMB
}

// Distribute splits a traffic delta evenly across the labels of the connections
// seen at the current tick. A label that appears for several connections gets
// one share and one count per connection. With no connections, nonzero traffic
// is assigned to SystemActivityLabel.
func Distribute(uploadMB, downloadMB float64, labels []string) []Record {
	if len(labels) == 0 {
		if uploadMB > 0 || downloadMB > 0 {
			return []Record{{Label: SystemActivityLabel, UploadMB: uploadMB, DownloadMB: downloadMB, Count: 1}}
		}
		return nil
	}

	n := float64(len(labels))
	upShare := uploadMB / n
	downShare := downloadMB / n

	index := make(map[string]int, len(labels))
	records := make([]Record, 0, len(labels))
	for _, label := range labels {
		i, ok := index[label]
		if !ok {
			i = len(records)
			index[label] = i
			records = append(records, Record{Label: label})
		}
		records[i].UploadMB += upShare
		records[i].DownloadMB += downShare
		records[i].Count++
	}
	return records
}
