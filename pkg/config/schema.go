package config

// settingsSchema closes the top level of a CUE settings file so misspelled
// keys fail instead of being ignored. Durations are integers in nanoseconds.
const settingsSchema = `
#Callback: {
	name:      string & !=""
	page?:     string & !=""
	script?:   string & !=""
	params?:   [...string]
	function?: string
}

#Settings: {
	bot_name?:         string & !=""
	spider?:           string & !=""
	start_urls?:       [...string]
	default_callback?: string & !=""
	callbacks?:        [...#Callback]

	download?: {
		timeout?:        int & >0
		user_agent?:     string
		concurrency?:    int & >=1 & <=256
		max_body_bytes?: int & >=0
		depth_limit?:    int & >=0
	}

	autoextract?: {
		enabled?:     bool
		url?:         string
		api_key?:     string
		max_retries?: int & >=0 & <=10
		timeout?:     int & >=0
	}

	store?: {
		path?: string & !=""
	}

	policy?: {
		allowed_domains?: [...string]
		max_url_length?:  int & >=0
		paths?:           [...string]
		watch?:           bool
	}

	telemetry?: {...}
}
`
