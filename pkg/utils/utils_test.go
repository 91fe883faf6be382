/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 */
package utils

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestLoggerLevelFilter(t *testing.T) {
	l := NewLogger("test")
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetLevel(LogLevelWarn)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info should be filtered at WARN level: %q", out)
	}
	if !strings.Contains(out, "[WARN] [test] shown 2") {
		t.Errorf("Unexpected output: %q", out)
	}
}

func TestLoggerNamedSharesSink(t *testing.T) {
	root := NewLogger("root")
	var got []string
	var mu sync.Mutex
	root.SetCallback(func(level LogLevel, message string) {
		mu.Lock()
		got = append(got, message)
		mu.Unlock()
	})

	child := root.Named("Mesh")
	child.Info("hello")
	root.SetLevel(LogLevelError)
	child.Info("dropped")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("Expected 1 message, got %d: %v", len(got), got)
	}
	if !strings.Contains(got[0], "[Mesh] hello") {
		t.Errorf("Unexpected message: %q", got[0])
	}
}

func TestLoggerFactoryImplementsPion(t *testing.T) {
	root := NewLogger("root")
	root.SetLevel(LogLevelDebug)
	var buf bytes.Buffer
	root.SetOutput(&buf)

	f := NewLoggerFactory(root)
	pl := f.NewLogger("ice")
	pl.Debugf("candidate %s", "host")
	pl.Trace("too low")

	out := buf.String()
	if !strings.Contains(out, "[ice] candidate host") {
		t.Errorf("Unexpected output: %q", out)
	}
	if strings.Contains(out, "too low") {
		t.Errorf("Trace should be filtered at DEBUG: %q", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		ok   bool
	}{
		{"debug", LogLevelDebug, true},
		{" WARN ", LogLevelWarn, true},
		{"", LogLevelInfo, true},
		{"off", LogLevelDisabled, true},
		{"loud", LogLevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLogLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLogLevel(%q) = %v,%v, want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBufferPoolGetPut(t *testing.T) {
	buf := GetBuffer(MTUBufferSize)
	if len(buf) != MTUBufferSize {
		t.Errorf("Expected buffer size %d, got %d", MTUBufferSize, len(buf))
	}
	PutBuffer(buf)

	small := GetBuffer(100)
	if len(small) != 100 {
		t.Errorf("Expected buffer size 100, got %d", len(small))
	}
	PutBuffer(small)
}

func TestBufferPoolLargeBuffer(t *testing.T) {
	buf := GetBuffer(9000)
	if len(buf) != 9000 {
		t.Errorf("Expected large buffer size 9000, got %d", len(buf))
	}
	// 过大的切片不会放回池中
	PutBuffer(buf)
	if next := GetBuffer(MTUBufferSize); cap(next) > maxPooledSize {
		t.Errorf("Pool handed out oversized buffer: cap %d", cap(next))
	}
}

func TestBufferPoolConcurrency(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b := GetBuffer(MTUBufferSize)
				b[0] = byte(j)
				PutBuffer(b)
			}
		}()
	}
	wg.Wait()
}

func BenchmarkBufferPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(MTUBufferSize)
		PutBuffer(buf)
	}
}
