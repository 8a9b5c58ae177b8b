// Package logging implements a Source and a Sink that delegate to nested ones,
// logging operations as they happen.
package logging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
)

var (
	_ rssync.Source      = &Source{}
	_ rssync.MultiGetter = &Source{}
	_ rssync.Sink        = &Sink{}
)

type Source struct {
	s   rssync.Source
	log *logrus.Entry
}

func NewSource(s rssync.Source, log *logrus.Entry) *Source {
	return &Source{s: s, log: log.WithField("peer", "source")}
}

func done(log *logrus.Entry, op string, start time.Time, err error, fields logrus.Fields) {
	log = log.WithFields(fields).WithField("elapsed", time.Since(start))
	if err != nil {
		log.WithError(err).Warn(op)
	} else {
		log.Debug(op)
	}
}

func (s *Source) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	start := time.Now()
	files, err := s.s.Files(ctx)
	done(s.log, "Files", start, err, logrus.Fields{"files": len(files)})
	return files, err
}

func (s *Source) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	start := time.Now()
	m, err := s.s.Have(ctx, ds)
	done(s.log, "Have", start, err, logrus.Fields{"digests": len(ds)})
	return m, err
}

func (s *Source) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	start := time.Now()
	b, err := s.s.Block(ctx, d)
	s.log.WithField("digest", d).Trace("Block")
	if err != nil {
		done(s.log, "Block", start, err, logrus.Fields{"digest": d})
	}
	return b, err
}

func (s *Source) Blocks(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest][]byte, error) {
	start := time.Now()
	m, err := rssync.GetBlocks(ctx, s.s, ds)
	var n int
	for _, b := range m {
		n += len(b)
	}
	done(s.log, "Blocks", start, err, logrus.Fields{"requested": len(ds), "got": len(m), "bytes": n})
	return m, err
}

func (s *Source) Close() error {
	err := s.s.Close()
	done(s.log, "Close", time.Now(), err, nil)
	return err
}

type Sink struct {
	s   rssync.Sink
	log *logrus.Entry
}

func NewSink(s rssync.Sink, log *logrus.Entry) *Sink {
	return &Sink{s: s, log: log.WithField("peer", "sink")}
}

func (s *Sink) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	start := time.Now()
	files, err := s.s.Files(ctx)
	done(s.log, "Files", start, err, logrus.Fields{"files": len(files)})
	return files, err
}

func (s *Sink) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	start := time.Now()
	m, err := s.s.Have(ctx, ds)
	done(s.log, "Have", start, err, logrus.Fields{"digests": len(ds)})
	return m, err
}

func (s *Sink) WriteFile(ctx context.Context, e rssync.FileEntry, fetched map[rssync.Digest][]byte) error {
	start := time.Now()
	err := s.s.WriteFile(ctx, e, fetched)
	done(s.log, "WriteFile", start, err, logrus.Fields{"path": e.Path, "size": e.Size, "fetched": len(fetched)})
	return err
}

func (s *Sink) Remove(ctx context.Context, path string) error {
	start := time.Now()
	err := s.s.Remove(ctx, path)
	done(s.log, "Remove", start, err, logrus.Fields{"path": path})
	return err
}

func (s *Sink) Commit(ctx context.Context) error {
	start := time.Now()
	err := s.s.Commit(ctx)
	done(s.log, "Commit", start, err, nil)
	return err
}

func (s *Sink) Close() error {
	err := s.s.Close()
	done(s.log, "Close", time.Now(), err, nil)
	return err
}
