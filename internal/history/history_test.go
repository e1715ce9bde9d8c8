package history

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/pkg/logger"
)

func TestNoURLMeansNoSink(t *testing.T) {
	s, err := Open(Config{}, logger.Nop())
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestNilSinkIsSafe(t *testing.T) {
	var s *Sink
	s.RecordRun(model.RunResult{RunID: "r1", StoreID: 1})
	runs, err := s.RecentRuns(10)
	require.NoError(t, err)
	require.Nil(t, runs)
	require.NoError(t, s.Close())
}
