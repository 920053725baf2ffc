package pool

import (
	"sync"
)

// BufferPool keeps one sync.Pool per buffer size class.
type BufferPool struct {
	pools map[int]*sync.Pool
	mutex sync.RWMutex
}

const (
	SmallBufferSize  = 4 * 1024        // headers, trailers
	MediumBufferSize = 64 * 1024       // regular copy loop
	LargeBufferSize  = 1024 * 1024     // parallel decode chunks
	XLargeBufferSize = 4 * 1024 * 1024 // large lossless payloads
)

var (
	globalBufferPool *BufferPool
	once             sync.Once
)

func GetGlobalPool() *BufferPool {
	once.Do(func() {
		globalBufferPool = NewBufferPool()
	})
	return globalBufferPool
}

func NewBufferPool() *BufferPool {
	bp := &BufferPool{
		pools: make(map[int]*sync.Pool),
	}

	bp.initPool(SmallBufferSize)
	bp.initPool(MediumBufferSize)
	bp.initPool(LargeBufferSize)
	bp.initPool(XLargeBufferSize)

	return bp
}

func (bp *BufferPool) initPool(size int) {
	bp.pools[size] = &sync.Pool{
		New: func() any {
			return make([]byte, size)
		},
	}
}

// Get returns a buffer of len size backed by the smallest size class that fits.
func (bp *BufferPool) Get(size int) []byte {
	poolSize := bp.findBestPoolSize(size)

	bp.mutex.RLock()
	pool, exists := bp.pools[poolSize]
	bp.mutex.RUnlock()

	if !exists {
		bp.mutex.Lock()
		if pool, exists = bp.pools[poolSize]; !exists {
			bp.initPool(poolSize)
			pool = bp.pools[poolSize]
		}
		bp.mutex.Unlock()
	}

	buf := pool.Get().([]byte)
	if len(buf) != poolSize {
		buf = make([]byte, poolSize)
	}
	return buf[:size]
}

// Put hands buf back. Buffers whose capacity is not a size class are dropped.
// Key material passes through the small class, so those are zeroed in full;
// larger buffers only carry audio and get their head cleared.
func (bp *BufferPool) Put(buf []byte) {
	capacity := cap(buf)
	if capacity == 0 {
		return
	}
	poolSize := bp.findBestPoolSize(capacity)

	bp.mutex.RLock()
	pool, exists := bp.pools[poolSize]
	bp.mutex.RUnlock()

	if !exists || capacity != poolSize {
		return
	}

	buf = buf[:capacity]
	if capacity <= SmallBufferSize {
		clear(buf)
	} else {
		clear(buf[:64])
	}
	pool.Put(buf)
}

func (bp *BufferPool) findBestPoolSize(size int) int {
	switch {
	case size <= SmallBufferSize:
		return SmallBufferSize
	case size <= MediumBufferSize:
		return MediumBufferSize
	case size <= LargeBufferSize:
		return LargeBufferSize
	case size <= XLargeBufferSize:
		return XLargeBufferSize
	}
	return nextPowerOfTwo(size)
}

func nextPowerOfTwo(n int) int {
	if n <= 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}

// SizeClasses lists the size classes currently backed by a pool.
func (bp *BufferPool) SizeClasses() []int {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()

	sizes := make([]int, 0, len(bp.pools))
	for size := range bp.pools {
		sizes = append(sizes, size)
	}
	return sizes
}

func GetMediumBuffer() []byte { return GetGlobalPool().Get(MediumBufferSize) }

func GetBuffer(size int) []byte { return GetGlobalPool().Get(size) }
func PutBuffer(buf []byte)      { GetGlobalPool().Put(buf) }

// GetOptimalBufferSize picks a copy buffer size from the input size and
// its extension.
func GetOptimalBufferSize(fileSize int64, fileExt string) int {
	var size int
	switch {
	case fileSize < 1024*1024:
		size = SmallBufferSize
	case fileSize < 10*1024*1024:
		size = MediumBufferSize
	case fileSize < 100*1024*1024:
		size = LargeBufferSize
	default:
		size = XLargeBufferSize
	}

	switch fileExt {
	case ".ncm", ".qmc0", ".qmc3", ".qmc", ".mgg", ".qmcogg":
		size = max(size, MediumBufferSize)
	case ".mflac", ".mgge", ".qmcflac":
		// lossless, usually tens of megabytes
		size = max(size, LargeBufferSize)
	}
	return size
}

func GetOptimalBuffer(fileSize int64, fileExt string) []byte {
	return GetGlobalPool().Get(GetOptimalBufferSize(fileSize, fileExt))
}
