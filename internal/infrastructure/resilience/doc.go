// Package resilience implements a three-state circuit breaker. The Jupyter
// server client wraps every REST call in one so a dead or flapping server
// fails fast instead of stacking up retries.
package resilience
