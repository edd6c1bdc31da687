// Package source scrapes festival announcements from the game's news API and
// parses their free-form time ranges.
package source
