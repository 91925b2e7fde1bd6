// Package host implements dispatch.Host on top of the operating system's system calls.
package host
