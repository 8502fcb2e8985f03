package bytesource

import "io"

// Reader is the io.ReadSeekCloser handed to decoders. Unlike
// Source.Read it blocks until bytes arrive, EOF is latched, or the
// source fails; before parking it fires the resume hook so a paused
// reception is restarted. Close is a no-op so decode libraries that
// want a ReadCloser can own it safely.
type Reader struct {
	src *Source
}

func (s *Source) Reader() *Reader {
	return &Reader{src: s}
}

func (r *Reader) Read(p []byte) (int, error) {
	s := r.src
	s.mu.Lock()
	for {
		n, err := s.readLocked(p)
		if err != ErrWouldBlock {
			s.mu.Unlock()
			return n, err
		}
		if fn := s.resume; fn != nil {
			s.mu.Unlock()
			fn()
			s.mu.Lock()
			// Re-check: bytes may have landed while unlocked.
			if n, err := s.readLocked(p); err != ErrWouldBlock {
				s.mu.Unlock()
				return n, err
			}
		}
		s.cond.Wait()
	}
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	return r.src.Seek(offset, whence)
}

func (r *Reader) Close() error { return nil }

var _ io.ReadSeekCloser = (*Reader)(nil)
