package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hostel/internal/allocation"
	"hostel/internal/config"
	"hostel/internal/hostel"
)

func memoryConfig() config.App {
	return config.App{
		StoreBackend:        "memory",
		LockBackend:         "local",
		SweepWorkerPolicy:   "newly_overdue",
		SweepTriggerPolicy:  "overdue_backlog",
		DefaultGraceHours:   168,
		DefaultAutoRevoke:   true,
		DefaultRoomCapacity: 4,
	}
}

func TestBuildInMemory(t *testing.T) {
	ctx := context.Background()
	s, err := Build(ctx, memoryConfig(), zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, allocation.RevokeNewlyOverdue, s.WorkerPolicy)
	assert.Equal(t, allocation.RevokeOverdueBacklog, s.TriggerPolicy)
	assert.Equal(t, 168, s.Settings.Get(ctx).PaymentGracePeriodHours)

	db, redis := s.Health(ctx)
	assert.True(t, db)
	assert.True(t, redis)

	_, err = s.Tree.Create(ctx, hostel.Input{ID: "eagle", Name: "Eagle", Gender: hostel.GenderMixed})
	require.NoError(t, err)
	_, err = s.Tree.AddFloor(ctx, "eagle", hostel.FloorInput{Number: 1})
	require.NoError(t, err)
	rooms, err := s.Tree.AddRoomsInRange(ctx, "eagle", "floor-1", hostel.RangeInput{Start: 1, End: 1, Capacity: 1})
	require.NoError(t, err)
	_, err = s.Allocations.Allocate(ctx, allocation.Request{StudentRegNumber: "H1", RoomID: rooms[0].ID, HostelID: "eagle"})
	require.NoError(t, err)

	res, err := s.Tree.RemoveRoom(ctx, "eagle", rooms[0].ID)
	require.NoError(t, err)
	assert.False(t, res.PartialFailure())
	assert.Nil(t, s.Allocations.ForStudent(ctx, "H1"), "removal cascades through the wired cleaner")
}

func TestBuildWithRedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.LockBackend = "redis"
	cfg.RedisAddr = mr.Addr()

	s, err := Build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.Redis)

	_, redis := s.Health(context.Background())
	assert.True(t, redis)
}

func TestBuildRejectsUnknownSettings(t *testing.T) {
	ctx := context.Background()

	cfg := memoryConfig()
	cfg.SweepWorkerPolicy = "whenever"
	_, err := Build(ctx, cfg, zap.NewNop(), prometheus.NewRegistry())
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.StoreBackend = "mongo"
	_, err = Build(ctx, cfg, zap.NewNop(), prometheus.NewRegistry())
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.LockBackend = "zookeeper"
	_, err = Build(ctx, cfg, zap.NewNop(), prometheus.NewRegistry())
	assert.Error(t, err)
}
