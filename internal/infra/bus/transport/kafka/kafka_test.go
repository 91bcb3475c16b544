package kafka

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/coreflow/errs"
)

func TestTopicNameReplacesIllegalCharacters(t *testing.T) {
	require.Equal(t, "coreflow.events.CROSS_MODULE", TopicName("coreflow:events:CROSS_MODULE"))
	require.Equal(t, "tenant-a.events.CRM", TopicName("tenant-a/events CRM"))
	require.Equal(t, "already.valid_name-1", TopicName("already.valid_name-1"))
}

func TestConfigRequiresBrokers(t *testing.T) {
	require.True(t, errs.HasCode(Config{}.Validate(), errs.CodeConfig))
	require.True(t, errs.HasCode(Config{Brokers: []string{" "}}.Validate(), errs.CodeConfig))
	require.NoError(t, Config{Brokers: []string{"localhost:9092"}}.Validate())

	_, err := New(Config{})
	require.True(t, errs.HasCode(err, errs.CodeConfig))
}

func TestNewAppliesDefaultsWithoutConnecting(t *testing.T) {
	tr, err := New(Config{Brokers: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	require.Equal(t, "coreflow", tr.cfg.ClientID)
	require.Equal(t, 256, tr.cfg.Buffer)
	require.Positive(t, tr.cfg.FetchMaxWait)
	require.NoError(t, tr.Close())
}
