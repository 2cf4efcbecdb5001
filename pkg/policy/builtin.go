package policy

// BuiltinPolicies returns the policies that are always active.
func BuiltinPolicies() []Policy {
	return []Policy{
		pathSafetyPolicy(),
	}
}

// pathSafetyPolicy keeps jobs away from relative paths and pseudo or boot filesystems.
func pathSafetyPolicy() Policy {
	return Policy{
		Name:        "path-safety",
		Description: "Denies relative target paths and protected system roots",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package remoteman.builtin.paths

import rego.v1

protected_roots := {"/proc", "/sys", "/dev", "/boot"}

deny contains violation if {
	raw := input.job.raw_path
	raw != ""
	not startswith(raw, "/")
	violation := {
		"message": sprintf("path %q must be absolute", [raw]),
		"severity": "error",
	}
}

deny contains violation if {
	input.job.path == "/"
	violation := {
		"message": "refusing to manage /",
		"severity": "error",
	}
}

deny contains violation if {
	some root in protected_roots
	under(input.job.path, root)
	violation := {
		"message": sprintf("%s is under protected root %s", [input.job.path, root]),
		"severity": "error",
	}
}

under(path, root) if path == root

under(path, root) if startswith(path, concat("", [root, "/"]))
`,
	}
}
