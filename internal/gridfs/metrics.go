package gridfs

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

type bucketMetrics struct {
	uploads         *metrics.Counter
	uploadBytes     *metrics.Counter
	uploadsFailed   *metrics.Counter
	downloads       *metrics.Counter
	downloadBytes   *metrics.Counter
	corruptFiles    *metrics.Counter
	orphanCleanups  *metrics.Counter
	deletes         *metrics.Counter
	chunkWriteBytes *metrics.Histogram
}

func newBucketMetrics(bucket string) *bucketMetrics {
	name := func(metric string) string {
		return fmt.Sprintf(`%s{bucket=%q}`, metric, bucket)
	}
	return &bucketMetrics{
		uploads:         metrics.GetOrCreateCounter(name("gridfs_uploads_total")),
		uploadBytes:     metrics.GetOrCreateCounter(name("gridfs_upload_bytes_total")),
		uploadsFailed:   metrics.GetOrCreateCounter(name("gridfs_uploads_failed_total")),
		downloads:       metrics.GetOrCreateCounter(name("gridfs_downloads_total")),
		downloadBytes:   metrics.GetOrCreateCounter(name("gridfs_download_bytes_total")),
		corruptFiles:    metrics.GetOrCreateCounter(name("gridfs_corrupt_files_total")),
		orphanCleanups:  metrics.GetOrCreateCounter(name("gridfs_orphan_cleanups_total")),
		deletes:         metrics.GetOrCreateCounter(name("gridfs_deletes_total")),
		chunkWriteBytes: metrics.GetOrCreateHistogram(name("gridfs_chunk_write_bytes")),
	}
}
