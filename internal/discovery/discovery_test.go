package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"entgldb/internal/model"
)

func TestHashAuthTokenDeterministic(t *testing.T) {
	require.Equal(t, HashAuthToken("secret"), HashAuthToken("secret"))
	require.NotEqual(t, HashAuthToken("secret"), HashAuthToken("other"))
}

func TestTableObserveAndActive(t *testing.T) {
	table := NewTable()
	table.Observe("node-b", "10.0.0.2:6001", model.LanDiscovered)

	active := table.Active()
	require.Len(t, active, 1)
	require.Equal(t, "node-b", active[0].NodeID)
}

func TestTableExpiresStaleLanPeers(t *testing.T) {
	table := NewTable()
	fakeNow := time.Now()
	table.now = func() time.Time { return fakeNow }
	table.Observe("node-b", "10.0.0.2:6001", model.LanDiscovered)

	table.now = func() time.Time { return fakeNow.Add(InactiveAfter + time.Second) }
	require.Empty(t, table.Active())
}

func TestTableNeverExpiresStaticPeers(t *testing.T) {
	table := NewTable()
	fakeNow := time.Now()
	table.now = func() time.Time { return fakeNow }
	table.Observe("cloud-gw", "gateway.example.com:6000", model.CloudRemote)

	table.now = func() time.Time { return fakeNow.Add(InactiveAfter * 10) }
	active := table.Active()
	require.Len(t, active, 1)
}

func TestLoadStaticPeersSkipsDisabledAndLan(t *testing.T) {
	table := NewTable()
	LoadStaticPeers(table, []model.RemotePeerConfiguration{
		{NodeID: "a", Address: "1.1.1.1:6000", Type: model.StaticRemote, IsEnabled: true},
		{NodeID: "b", Address: "2.2.2.2:6000", Type: model.StaticRemote, IsEnabled: false},
		{NodeID: "c", Address: "3.3.3.3:6000", Type: model.LanDiscovered, IsEnabled: true},
	})
	active := table.Active()
	require.Len(t, active, 1)
	require.Equal(t, "a", active[0].NodeID)
}
