package shared

const Version = "0.4.0"
