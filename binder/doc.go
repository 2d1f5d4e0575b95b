/*
Package binder connects in-process channels to broker destinations.
BindConsumer forwards a destination onto a channel, BindProducer forwards a channel
onto a destination, and each returns a Binding the caller unbinds when done.
The broker is reached only through a bus.Connection, so any adapter can back it.
*/
package binder
