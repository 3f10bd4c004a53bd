package network

const Code = "code"

// The address provided for the UDP interface did not resolve and thus client will stop
const ErrorAddressNotResolved = 1

// self-explanatory. Client will stop.
const ErrorSetupUDPConnection = 2

// The decoder stayed silent past the read deadline. Client will stop.
const ErrorReadTimeout = 3

// A packet was too short, had an unparsable string length, or otherwise
// failed to decode. The packet is dropped; the source keeps listening.
const ErrorMalformedPacket = 4
