// Package main provides the sitecrawler CLI.
//
// sitecrawler walks websites breadth-first from one or more seed URLs, honours
// robots.txt and crawl delays, and stores one record per visited page.
//
// Usage:
//
//	sitecrawler crawl https://example.com
//	sitecrawler serve --addr :8080
//	sitecrawler page https://example.com/about
//
// See --help for all available options.
package main

func main() {
	Execute()
}
