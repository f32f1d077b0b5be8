// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single multiplexed WebSocket to the venue
//   - Drives the phase machine DISCONNECTED → CONNECTING → CONNECTED_MARKET →
//     CONNECTED_USER, with RECOVERING on transport failure and CLOSED on request
//   - Sends a JSON ping and a control ping every PingInterval and declares the
//     socket dead when neither is answered within PongTimeout; event frames
//     do not count as pongs
//   - Reconnects with exponential backoff up to MaxReconnectAttempts
//   - Correlates subscribe/unsubscribe acks by frame id
//   - Notifies ConnectListeners after every successful (re)connect
//   - Forwards event frames to the Event Dispatcher in arrival order
package connection
