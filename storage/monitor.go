/*
	This file implements a monitor of block traffic across all Access instances.  It exposes
	per-second tallies that the server reports on its load endpoint.
*/

package storage

import (
	"sync"
	"time"
)

const MonitorBuffer = 10000

var (
	blockBytesRead    chan int64
	blockBytesWritten chan int64

	loadMu sync.RWMutex
	load   Load

	// Current tallies up to a second.
	bytesReadPerSec    int64
	bytesWrittenPerSec int64
	readsPerSec        int64
	writesPerSec       int64
)

// Load is the block traffic of the last full second.
type Load struct {
	BytesReadPerSec    int64 `json:"bytes_read_per_sec"`
	BytesWrittenPerSec int64 `json:"bytes_written_per_sec"`
	ReadsPerSec        int64 `json:"reads_per_sec"`
	WritesPerSec       int64 `json:"writes_per_sec"`
}

func init() {
	blockBytesRead = make(chan int64, MonitorBuffer)
	blockBytesWritten = make(chan int64, MonitorBuffer)

	go loadMonitor()
}

// CurrentLoad returns the tallies of the last full second.
func CurrentLoad() Load {
	loadMu.RLock()
	defer loadMu.RUnlock()
	return load
}

func monitorRead(n int64) {
	select {
	case blockBytesRead <- n:
	default:
	}
}

func monitorWrite(n int64) {
	select {
	case blockBytesWritten <- n:
	default:
	}
}

func loadMonitor() {
	secondTick := time.NewTicker(1 * time.Second)
	defer secondTick.Stop()
	for {
		select {
		case n := <-blockBytesRead:
			bytesReadPerSec += n
			readsPerSec++
		case n := <-blockBytesWritten:
			bytesWrittenPerSec += n
			writesPerSec++
		case <-secondTick.C:
			loadMu.Lock()
			load = Load{
				BytesReadPerSec:    bytesReadPerSec,
				BytesWrittenPerSec: bytesWrittenPerSec,
				ReadsPerSec:        readsPerSec,
				WritesPerSec:       writesPerSec,
			}
			loadMu.Unlock()
			bytesReadPerSec, bytesWrittenPerSec = 0, 0
			readsPerSec, writesPerSec = 0, 0
		}
	}
}
