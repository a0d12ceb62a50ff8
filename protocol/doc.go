/*
Package protocol implements the nailgun wire protocol: a stream of chunks, each framed as a 4-byte big-endian payload length, a 1-byte chunk type, and the payload.

A request is sent client->server as any number of ARGUMENT, ENVIRONMENT and WORKING_DIR chunks followed by exactly one COMMAND chunk. The COMMAND chunk completes the request and the server dispatches it right away.

The protocol then proceeds as follows:

1. If the command wants input, the server sends a START_INPUT chunk.
2. The client streams STDIN chunks, then a single STDIN_EOF chunk.
3. The server sends STDOUT and STDERR chunks as the command writes them.
4. The server sends an EXIT chunk carrying the decimal exit code and a newline, then closes the connection.

There is exactly one request per connection. Any chunk after STDIN_EOF, or any chunk type that is not valid in the current state, is a protocol error and the server closes the connection.
*/
package protocol
