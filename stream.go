package msgnet

// Stream is the non-blocking byte stream driven by a NonblockingConn.
//
// Read and Write never block. When no data can be transferred right now they
// return ErrWouldBlock; the caller retries on the next readiness event.
// Read returns io.EOF once the peer has closed its write side. Write may
// accept only a prefix of p.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}
