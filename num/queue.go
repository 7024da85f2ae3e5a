package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Max number of functions which are buffered before the queue is flushed
const QueueSize = 32

// Device interface type
type Device interface {
	// Device name, used for logging placement
	Name() string
	// Number of worker threads used by the DNN kernels
	Threads() int
	// Setup new worker queue
	NewQueue() Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new DNN layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer
	MaxPoolLayer(inShape []int, size, stride int) Layer
}

// Initialise a new named CPU device, if threads <= 0 then GOMAXPROCS is used.
func NewDevice(name string, threads int) Device {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return cpuDevice{name: name, threads: threads}
}

// Default CPU device using all available threads
func NewCPUDevice() Device {
	return NewDevice("cpu", 0)
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Buffered function call, executed when the buffer fills or on Finish
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// Function which may be called via the queue
type Function struct {
	name string
	call func()
}

func newFunction(name string, call func()) Function {
	return Function{name: name, call: call}
}

func (f Function) String() string { return f.name }

type cpuDevice struct {
	name    string
	threads int
}

func (d cpuDevice) Name() string { return d.name }

func (d cpuDevice) Threads() int { return d.threads }

func (d cpuDevice) NewQueue() Queue {
	return &cpuQueue{cpuDevice: d, profile: newProfile()}
}

type cpuQueue struct {
	cpuDevice
	buffer [QueueSize]Function
	queued int
	*profile
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) exec() {
	for _, fn := range q.buffer[:q.queued] {
		if q.enabled {
			start := time.Now()
			fn.call()
			q.add(fn.name, time.Since(start))
		} else {
			fn.call()
		}
	}
	q.queued = 0
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= QueueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *cpuQueue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
	sync.Mutex
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	p.Lock()
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += float64(elapsed) / float64(time.Millisecond)
	p.prof[name] = r
	p.Unlock()
}

func (p *profile) Profile() string {
	p.Lock()
	defer p.Unlock()
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	s := []string{}
	for _, r := range list {
		s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", r.name, r.calls, r.msec))
		totalCalls += r.calls
		totalMsec += r.msec
	}
	s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", "TOTAL", totalCalls, totalMsec))
	return strings.Join(s, "\n")
}

// run fn(i) for i in [0, n) spread over the given number of threads
func parallel(threads, n int, fn func(i int)) {
	if threads <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if threads > n {
		threads = n
	}
	var wg sync.WaitGroup
	next := make(chan int, n)
	for i := 0; i < n; i++ {
		next <- i
	}
	close(next)
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func() {
			for i := range next {
				fn(i)
			}
			wg.Done()
		}()
	}
	wg.Wait()
}
