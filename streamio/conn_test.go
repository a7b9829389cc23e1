package streamio

import (
	"net"
	"testing"
	"time"

	fiber "github.com/jacobsa/fibers"
	"github.com/jacobsa/fibers/ioreactor"
	"github.com/jacobsa/fibers/scheduler"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
)

func TestConn(t *testing.T) { RunTests(t) }

type ConnStreamTest struct {
	clock *timeutil.SimulatedClock
	m     *ioreactor.IOManager
}

func init() { RegisterTestSuite(&ConnStreamTest{}) }

func (t *ConnStreamTest) SetUp(ti *TestInfo) {
	t.clock = &timeutil.SimulatedClock{}
	t.clock.SetTime(time.Now())

	var err error
	t.m, err = ioreactor.New("conn-test", 2, false, t.clock, 5*time.Second)
	AssertEq(nil, err)
	t.m.Start()
}

func (t *ConnStreamTest) TearDown() {
	t.m.Stop()
	t.m.Close()
}

func (t *ConnStreamTest) runAsFiber(fn func() error) <-chan error {
	resultCh := make(chan error, 1)
	f := fiber.New("driver", func() error {
		err := fn()
		resultCh <- err
		return err
	})
	t.m.Schedule(f, scheduler.AnyThread)
	return resultCh
}

func (t *ConnStreamTest) await(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		panic("timed out waiting for conn operation")
	}
}

// WriteThenReadAcrossLoopback drives a listener and a dialed client
// connection, both wrapped as ConnStream, entirely through the IOManager.
func (t *ConnStreamTest) WriteThenReadAcrossLoopback() {
	ln, err := t.m.Listen("tcp", "127.0.0.1:0", 16)
	AssertEq(nil, err)
	defer ln.Close()

	acceptedCh := make(chan *ConnStream, 1)
	acceptDone := t.runAsFiber(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s, err := NewConnStream(t.m, conn)
		if err != nil {
			return err
		}
		acceptedCh <- s
		return nil
	})

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	AssertEq(nil, err)
	defer clientConn.Close()
	client, err := NewConnStream(t.m, clientConn)
	AssertEq(nil, err)

	AssertEq(nil, t.await(acceptDone))
	server := <-acceptedCh

	writeDone := t.runAsFiber(func() error {
		_, err := client.Write([]byte("hello"))
		return err
	})
	AssertEq(nil, t.await(writeDone))

	buf := make([]byte, 5)
	var n int
	readCh := t.runAsFiber(func() error {
		var err error
		n, err = server.Read(buf)
		return err
	})
	AssertEq(nil, t.await(readCh))

	ExpectEq(5, n)
	ExpectEq("hello", string(buf))
}

func (t *ConnStreamTest) ZeroLengthWriteIsPreconditionViolation() {
	ln, err := t.m.Listen("tcp", "127.0.0.1:0", 16)
	AssertEq(nil, err)
	defer ln.Close()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	AssertEq(nil, err)
	defer clientConn.Close()
	client, err := NewConnStream(t.m, clientConn)
	AssertEq(nil, err)

	defer func() { ExpectNe(nil, recover()) }()
	client.Write(nil)
}
