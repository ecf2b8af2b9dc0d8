// Package autoreply provides the hook the shared bot router consults after
// delivering an inbound message. Template renders a per-tenant text/template
// with the message text, sender and thread name. Generated replies are not
// produced here; anything implementing Replier can be plugged in instead.
package autoreply
