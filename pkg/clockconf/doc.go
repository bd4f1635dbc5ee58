// Package clockconf parses the section-oriented clock configuration file
// that lists timing instances per network interface.
//
// The file is a sequence of directives:
//
//	ifname [eth0]
//	base_port [1000]
//	ptp4l_config /etc/ptp4l-eth0.conf
//	phc2sys_config /etc/phc2sys-eth0.conf
//
// An "ifname" header opens a section, the "base_port" directive must
// follow it directly, and only then are "key value" parameter lines
// recorded for the section. Lines that break this order, duplicate
// headers and anything unrecognized are skipped without error so that
// files left behind by older or interrupted generators still load.
// A strict Parser reports those lines instead of hiding them.
//
// Parsing is pure: Parse works on text the caller already holds. ReadFile,
// Load and Watcher are thin helpers that obtain the text first.
package clockconf
