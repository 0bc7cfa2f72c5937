// dispatchwatch: autonomous dispatch for same-day delivery.
// Orders are offered to the best-scoring drivers, deadlines are watched
// and the fleet is rebalanced. Every autonomous action passes the
// authorization gate; risky ones wait for a human.
package main

import "github.com/ppiankov/dispatchwatch/internal/cli"

func main() {
	cli.Execute()
}
