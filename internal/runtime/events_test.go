package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	metadatapkg "github.com/drblury/mbta2mqtt/internal/runtime/metadata"
	"github.com/drblury/mbta2mqtt/internal/runtime/resource"
	"github.com/drblury/mbta2mqtt/internal/runtime/tree"
	"github.com/drblury/mbta2mqtt/transport/channel"
)

func stop(id, name string) resource.Resource {
	return resource.Resource{
		Type:       "stop",
		ID:         id,
		Attributes: tree.Map{"name": name, "location_type": 1},
	}
}

func topicsOf(deliveries []channel.Delivery) []string {
	out := make([]string, len(deliveries))
	for i, d := range deliveries {
		out[i] = d.Topic
	}
	return out
}

func TestHandleAddPublishesDiscoveryThenAttributesThenState(t *testing.T) {
	svc := newTestService(t, newTestConfig(), stringStream{})

	err := svc.HandleEvent(context.Background(), resource.Event{Kind: resource.KindAdd, Name: "add", Resource: stop("70061", "Harvard")})

	require.NoError(t, err)
	published := svc.broker.Published()
	assert.Equal(t, []string{
		harvardTopic,
		"mbta2mqtt/stop/70061/attributes",
		"mbta2mqtt/stop/70061/state",
	}, topicsOf(published))
	assert.Equal(t, metadatapkg.Options{QoS: 1, Retained: true, WaitAck: true}, published[0].Options)
	assert.Equal(t, metadatapkg.Options{QoS: 1, Retained: true, WaitAck: false}, published[1].Options)
	assert.Contains(t, string(published[1].Payload), `"name":"Harvard"`)
	assert.Equal(t, "Harvard", string(published[2].Payload))
	assert.True(t, svc.registry.Contains(harvardTopic))
}

func TestHandleUpdateDoesNotRepublishDiscovery(t *testing.T) {
	svc := newTestService(t, newTestConfig(), stringStream{})
	r := stop("70061", "Harvard")
	r.Attributes["long_name"] = "Harvard Square"

	err := svc.HandleEvent(context.Background(), resource.Event{Kind: resource.KindUpdate, Name: "update", Resource: r})

	require.NoError(t, err)
	published := svc.broker.Published()
	assert.Equal(t, []string{"mbta2mqtt/stop/70061/attributes", "mbta2mqtt/stop/70061/state"}, topicsOf(published))
	assert.Equal(t, "Harvard Square", string(published[1].Payload))
	assert.False(t, svc.registry.Contains(harvardTopic))
}

func TestHandleRemoveRetractsAndForgets(t *testing.T) {
	svc := newTestService(t, newTestConfig(), stringStream{})
	ctx := context.Background()
	require.NoError(t, svc.HandleEvent(ctx, resource.Event{Kind: resource.KindAdd, Name: "add", Resource: stop("70061", "Harvard")}))

	err := svc.HandleEvent(ctx, resource.Event{Kind: resource.KindRemove, Name: "remove", Ref: resource.Ref{Type: "stop", ID: "70061"}})

	require.NoError(t, err)
	published := svc.broker.Published()
	last := published[len(published)-1]
	assert.Equal(t, harvardTopic, last.Topic)
	assert.Empty(t, last.Payload)
	assert.True(t, last.Options.Retained)
	assert.False(t, svc.registry.Contains(harvardTopic))
	_, ok := svc.broker.Retained(harvardTopic)
	assert.False(t, ok)
}

func TestHandleResetRetractsOnlyStaleTopics(t *testing.T) {
	svc := newTestService(t, newTestConfig(), stringStream{})
	svc.registry.Record(harvardTopic)
	svc.registry.Record(centralTopic)

	err := svc.HandleEvent(context.Background(), resource.Event{
		Kind:      resource.KindReset,
		Name:      "reset",
		Resources: []resource.Resource{stop("70061", "Harvard")},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{harvardTopic}, svc.registry.Snapshot())

	var retracted []string
	for _, d := range svc.broker.Published() {
		if len(d.Payload) == 0 {
			retracted = append(retracted, d.Topic)
		}
	}
	assert.Equal(t, []string{centralTopic}, retracted)
	assert.Equal(t, uint64(1), svc.metrics.Snapshot().Retractions)
}

func TestHandleEmptyResetRetractsEverything(t *testing.T) {
	svc := newTestService(t, newTestConfig(), stringStream{})
	svc.registry.Record(harvardTopic)
	svc.registry.Record(centralTopic)

	require.NoError(t, svc.HandleEvent(context.Background(), resource.Event{Kind: resource.KindReset, Name: "reset"}))

	assert.Zero(t, svc.registry.Len())
	assert.Equal(t, []string{harvardTopic, centralTopic}, topicsOf(svc.broker.Published()))
}

func TestHandleErrorEventIsFatal(t *testing.T) {
	svc := newTestService(t, newTestConfig(), stringStream{})

	err := svc.HandleEvent(context.Background(), resource.Event{
		Kind:  resource.KindError,
		Name:  "error",
		Error: &resource.UpstreamError{Code: "rate_limited", Status: "429"},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrUpstreamError)
	assert.Equal(t, errspkg.ExitUpstream, errspkg.ExitCode(err))
	assert.Empty(t, svc.broker.Published())
	assert.Equal(t, 1, svc.logs.Count("error", "Event failed"))
}

func TestHandleUnknownEventIsIgnored(t *testing.T) {
	svc := newTestService(t, newTestConfig(), stringStream{})

	err := svc.HandleEvent(context.Background(), resource.Event{Kind: resource.KindUnknown, Name: "heartbeat"})

	require.NoError(t, err)
	assert.Empty(t, svc.broker.Published())
	assert.Equal(t, 1, svc.logs.Count("warn", "unknown event"))
}

func TestHandleEventPublishFailureIsFatal(t *testing.T) {
	svc := newTestService(t, newTestConfig(), stringStream{})
	svc.broker.PublishHook = func(topic string, _ *message.Message) error {
		return errspkg.ErrPublishTimeout
	}

	err := svc.HandleEvent(context.Background(), resource.Event{Kind: resource.KindAdd, Name: "add", Resource: stop("70061", "Harvard")})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrPublishTimeout))
	assert.Equal(t, errspkg.ExitBroker, errspkg.ExitCode(err))
	assert.False(t, svc.registry.Contains(harvardTopic), "unacknowledged topics are not recorded")
	assert.Equal(t, 1.0, counterValue(t, svc.reg, "mbta2mqtt_publish_errors_total", "kind", KindDiscovery))
}

func TestHandleEventRunsHooksAndCarriesCorrelationID(t *testing.T) {
	var started, done []EventContext
	var correlation string
	svc := newTestService(t, newTestConfig(), stringStream{}, func(_ *brokerFactory, deps *ServiceDependencies) {
		deps.Hooks = EventHooks{
			OnEventStart: func(ctx EventContext) {
				started = append(started, ctx)
				correlation = CorrelationID(ctx.Context)
			},
			OnEventDone: func(ctx EventContext) { done = append(done, ctx) },
		}
	})
	var published []string
	svc.broker.PublishHook = func(_ string, msg *message.Message) error {
		published = append(published, msg.Metadata.Get(metadatapkg.KeyCorrelationID))
		return nil
	}

	require.NoError(t, svc.HandleEvent(context.Background(), resource.Event{Kind: resource.KindAdd, Name: "add", Resource: stop("70061", "Harvard")}))

	require.Len(t, started, 1)
	require.Len(t, done, 1)
	assert.Equal(t, 1, started[0].Resources)
	assert.Equal(t, resource.KindAdd, done[0].Kind)
	assert.NotEmpty(t, correlation)
	require.Len(t, published, 3)
	for _, id := range published {
		assert.Equal(t, correlation, id)
	}
	assert.Equal(t, 1.0, counterValue(t, svc.reg, "mbta2mqtt_events_total", "event", "add"))
}
