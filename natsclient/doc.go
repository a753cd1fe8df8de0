// Package natsclient wraps a core NATS connection for the gateway's event
// sink.
//
// Once connected, nats.go handles reconnects on its own. Connect itself is
// guarded by a breaker: after WithBreaker's threshold of consecutive dial
// failures it trips, and Connect returns ErrCircuitOpen without dialing until
// the cooldown passes. The cooldown starts at one second and doubles per trip.
//
//	client, err := natsclient.NewClient("nats://broker:4222",
//	    natsclient.WithName("mesgateway"),
//	    natsclient.WithHealthChangeCallback(func(ok bool) { ... }),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//	_ = client.Publish(ctx, "mes.gateway.connection.opened", payload)
package natsclient
