package testing

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/coevhub/portal-client/lib/logger"
)

// Suite is a testify suite with a per-test context and a debug logger
// attached to it.
type Suite struct {
	suite.Suite
	ctx context.Context
}

// SetContext installs a context that is cancelled after timeout or at the end of the test.
func (s *Suite) SetContext(timeout time.Duration) context.Context {
	t := s.T()
	t.Helper()

	require.Nil(t, s.ctx, "Context cannot be set twice")

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	ctx := logger.With(context.Background(), log.WithField("test", t.Name()))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	t.Cleanup(func() {
		cancel()
		s.ctx = nil
	})
	s.ctx = ctx
	return ctx
}

// Ctx returns the test context, creating one with a 5 second timeout if needed.
func (s *Suite) Ctx() context.Context {
	t := s.T()
	t.Helper()

	if ctx := s.ctx; ctx != nil {
		return ctx
	}
	return s.SetContext(5 * time.Second)
}

// NewTmpDir creates a directory removed at the end of the test.
func (s *Suite) NewTmpDir(pattern string) string {
	t := s.T()
	t.Helper()

	dir, err := os.MkdirTemp("", pattern)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, os.RemoveAll(dir))
	})
	return dir
}
