// Package objq runs a message queue whose only durable state lives in an
// object store.
//
// The store needs PUT, GET, HEAD, DELETE and an ordered, paginated prefix
// listing; no compare-and-swap, native lease or transaction is required.
// Each queue maps to a container named QueuePrefix + queue. Each message is a
// group of objects sharing its sortable identifier as key prefix:
//
//	<id>/msg       payload, written once with a create-only PUT
//	<id>/<claimId> pending claim carrying {"expires": <unix seconds>}
//	<id>/deleted   tombstone, terminal
//
// Claiming lists the container in key order, resolves each message from its
// group of keys and writes a new claim marker for the first available one.
// Claims expire by the passage of time; acknowledging writes the tombstone.
// Delivery is at-least-once: two consumers racing on the same listing may
// both claim a message, so consumers must be idempotent.
//
// Backends are chosen by store URL:
//
//	mem://                                   in-process, for tests and local dev
//	disk:///var/lib/objq                     local filesystem
//	s3://host:9000/bucket/prefix?insecure=1  S3-compatible services via minio-go
//	aws://bucket/prefix?region=eu-north-1    AWS S3 via the AWS SDK
//	azure://account/container/prefix         Azure Blob Storage
//
// Embedding a server:
//
//	srv, stop, err := objq.StartServer(ctx, objq.Config{
//	    Store:  "disk:///var/lib/objq",
//	    Listen: "127.0.0.1:9341",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// Clients talk to the server through the client package; tests can use
// StartTestServer for a loopback server with a ready client.
package objq
