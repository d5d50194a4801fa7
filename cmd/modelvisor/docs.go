package main

// General API documentation for swaggo. Run `make swagger-gen` to regenerate
// the docs package.
//
// @title           modelvisor API
// @version         1.0
// @description     Lifecycle supervisor for local model-serving backends.
//
// @contact.name   modelvisor maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
