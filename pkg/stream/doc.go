// Package stream turns an agent run into an ordered sequence of chat events.
//
// A stream carries zero or more Message and ToolCall events followed by
// exactly one terminal Done or Error event. Streams are pull based: the agent
// advances only as fast as the consumer reads, and a consumer that stops
// reading cancels the run.
package stream
