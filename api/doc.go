// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package api holds the vocabulary shared by every evws package: message
// formats, close codes and the error taxonomy.
package api
