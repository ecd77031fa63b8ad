// Package serial provides a minimal, Linux-only serial port line reader
// for the radar telemetry device.
//
// The device emits one reading per terminator byte (default '.'), for
// example "30,15." for angle 30 and distance 15. ReadLine blocks until a
// whole reading has arrived and returns it without the terminator; partial
// data is never returned early.
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - Idempotent Open and Close; a closed reader can be reopened
//   - Self-pipe mechanism so Close unblocks a pending ReadLine
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	reader := serial.NewLineReader(serial.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 9600,
//	})
//	if err := reader.Open(); err != nil {
//	    log.Fatal(err)
//	}
//	defer reader.Close()
//
//	for {
//	    line, err := reader.ReadLine()
//	    if errors.Is(err, serial.ErrClosed) {
//	        return
//	    }
//	    if err != nil {
//	        log.Println("read error:", err)
//	        continue
//	    }
//	    fmt.Println("reading:", line)
//	}
//
// Only one goroutine may call ReadLine at a time. Close may be called from
// any goroutine.
package serial
