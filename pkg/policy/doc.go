// Package policy gates jobs with Open Policy Agent (OPA) Rego rules.
//
// Every policy is a Rego module defining a `deny` set. The engine evaluates each
// enabled policy against an input document describing one job:
//
//	{
//	  "job": {
//	    "name": "motd",
//	    "component": "file",
//	    "params": {"path": "/etc/motd", "content": "..."},
//	    "path": "/etc/motd",
//	    "raw_path": "/etc/motd",
//	    "source": "/srv/jobs/motd.yaml"
//	  },
//	  "context": {"hostname": "h1", "platform": "linux", "timestamp": "..."}
//	}
//
// A deny entry is either a message string or an object with "message" and
// "severity". Entries with severity error or critical block the job; warning and
// info entries are only logged. Policies loaded from .rego files default to error.
//
// # Built-in Policies
//
// path-safety denies relative target paths, "/" itself, and anything under /proc,
// /sys, /dev and /boot.
//
// # Custom Policies
//
//	package site.secrets
//
//	import rego.v1
//
//	deny contains msg if {
//		startswith(input.job.path, "/etc/ssl/private")
//		msg := sprintf("%s is managed by the PKI team", [input.job.path])
//	}
//
// Loader.Watch reloads a policy directory when its files change.
package policy
