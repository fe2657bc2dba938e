package truevfs

import (
	"sync/atomic"
	"time"
)

// IoStatistics aggregates the I/O volume moved through the streams of one
// manager since its creation.
type IoStatistics struct {
	timeCreated  time.Time
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

func newIoStatistics() *IoStatistics {
	return &IoStatistics{timeCreated: time.Now()}
}

func (s *IoStatistics) TimeCreated() time.Time { return s.timeCreated }
func (s *IoStatistics) BytesRead() int64       { return s.bytesRead.Load() }
func (s *IoStatistics) BytesWritten() int64    { return s.bytesWritten.Load() }

func (s *IoStatistics) addRead(n int64) {
	if n > 0 {
		s.bytesRead.Add(n)
		metricBytesRead.Add(int(n))
	}
}

func (s *IoStatistics) addWritten(n int64) {
	if n > 0 {
		s.bytesWritten.Add(n)
		metricBytesWritten.Add(int(n))
	}
}
