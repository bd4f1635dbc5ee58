// Package config loads the platformconf configuration file.
//
// The file is YAML. Before it is decoded it is checked against a closed
// CUE schema, so unknown keys and out-of-range values are reported with
// their line and column:
//
//	database:
//	  path: /var/lib/platformconf/platformconf.db
//	clock_conf:
//	  path: /etc/platform/ptpinstance/clock-conf.conf
//	  strict: true
//	facts:
//	  ttl: 30m
//	  scripts: [/etc/platformconf/facts.d]
//	policies:
//	  protected: ["usm_config:DEFAULT/region"]
//	hosts:
//	  - name: controller-1
//	    address: 10.0.0.3
//	    user: sysadmin
//	    key_path: /root/.ssh/id_ed25519
//	    labels: {role: controller}
//	settings:
//	  - name: sysinv_config
//	    path: /etc/sysinv/sysinv.conf
//	telemetry:
//	  logging: {level: debug, format: json}
//
// A missing file yields Default. PCONF_LOG_LEVEL, PCONF_DATABASE and
// PCONF_ROOT override the matching fields after the file is read.
package config
