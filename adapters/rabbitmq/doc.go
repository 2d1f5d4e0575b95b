/*
Package rabbitmq provides a RabbitMQ connection for the binder.
Broadcast destinations map to routing keys on a durable topic exchange, point-to-point
destinations map to durable queues on the default exchange. Listeners consume with
manual acknowledgements and re-establish their channel after a connection loss;
the underlying session reconnects with jittered exponential backoff.
*/
package rabbitmq
