// Package progress reports bytes flowing through a reader.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Interval is the minimum time between two progress lines.
const Interval = 200 * time.Millisecond

// Reader wraps an io.Reader and periodically writes progress updates to out.
type Reader struct {
	r           io.Reader
	out         io.Writer
	label       string
	total       int64
	read        int64
	start       time.Time
	mu          sync.Mutex
	lastPrinted time.Time
	done        bool
}

// NewReader creates a new progress Reader. If total is 0, percentage is omitted.
func NewReader(r io.Reader, total int64, label string, out io.Writer) *Reader {
	return &Reader{r: r, out: out, label: label, total: total, start: time.Now()}
}

func (p *Reader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.read += int64(n)
		if now := time.Now(); now.Sub(p.lastPrinted) >= Interval {
			p.print()
			p.lastPrinted = now
		}
	}
	if err == io.EOF && !p.done {
		p.done = true
		p.print()
		if p.out != nil {
			fmt.Fprint(p.out, "\n")
		}
	}
	return n, err
}

// Bytes returns how many bytes have been read so far.
func (p *Reader) Bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read
}

func (p *Reader) print() {
	if p.out == nil {
		return
	}
	rate := ""
	if secs := time.Since(p.start).Seconds(); secs >= 1 {
		rate = fmt.Sprintf(" %s/s", humanize.IBytes(uint64(float64(p.read)/secs)))
	}
	if p.total > 0 {
		pct := float64(p.read) / float64(p.total) * 100
		fmt.Fprintf(p.out, "\r[%s] %.1f%% (%s/%s)%s", p.label, pct, humanize.IBytes(uint64(p.read)), humanize.IBytes(uint64(p.total)), rate)
	} else {
		fmt.Fprintf(p.out, "\r[%s] %s%s", p.label, humanize.IBytes(uint64(p.read)), rate)
	}
}
