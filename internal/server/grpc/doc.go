// Package grpcserver hosts the gRPC server for relayd, registering the
// replication stream service and the standard gRPC health service.
//
// Example:
//
//	svc := replication.NewService(engine, gcRegistry, cluster, replication.Options{})
//	s := grpcserver.New(svc, grpcserver.Options{})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7301")
package grpcserver
