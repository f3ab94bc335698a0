// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatrelay runs the chat relay and its maintenance tasks.
//
// # Usage
//
//	# Serve with defaults and environment overrides
//	chatrelay serve
//
//	# Serve with a config file
//	chatrelay serve --config relay.yaml
//
//	# Create the chat log table ahead of time
//	chatrelay migrate --config relay.yaml
//
//	# Show what a request body normalizes to
//	echo '{"messages":[{"content":"<b>hi</b>","role":"user"}]}' | chatrelay normalize
package main

import (
	"log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("chatrelay: %v", err)
	}
}
